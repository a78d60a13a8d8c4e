package store

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/NHSDigital/eps-spine-shared-sub000/internal/shard"
)

// rangeTimeLength is the length of the timestamps range queries compare.
const rangeTimeLength = len(dateTimeFormat)

// padOrTrimDate right-pads a date with zeros, or trims it, to a full
// YYYYMMDDHHMMSS timestamp. An empty date stays empty.
func padOrTrimDate(date string) string {
	if date == "" {
		return ""
	}
	if len(date) >= rangeTimeLength {
		return date[:rangeTimeLength]
	}
	return date + strings.Repeat("0", rangeTimeLength-len(date))
}

// validRange returns the sort key condition for start..end. A single point
// becomes an equality and an inverted range is reported as invalid.
func validRange(attr, start, end string) (Condition, bool) {
	switch {
	case end == start:
		return Equal(attr, start), true
	case end < start:
		return Condition{}, false
	}
	return Between(attr, start, end), true
}

// splitRange splits a composite range bound into exactly n parts.
func splitRange(bound, sep string, n int) ([]string, error) {
	parts := strings.Split(bound, sep)
	if len(parts) != n {
		return nil, fmt.Errorf("range bound %q: want %d parts separated by %q, got %d", bound, n, sep, len(parts))
	}
	return parts, nil
}

func lastPart(bound, sep string) string {
	return bound[strings.LastIndex(bound, sep)+1:]
}

// TermsByIndexDate returns the stored terms of index that fall within
// rangeStart..rangeEnd, each with the key of its record. Bounds are
// composite terms whose last part is a date. termRegex, when set, further
// filters the returned terms.
func (s *Store) TermsByIndexDate(ctx context.Context, index, rangeStart, rangeEnd string, termRegex *regexp.Regexp) ([]Term, error) {
	end := lastPart(rangeEnd, TermSeparator)

	switch index {
	case IndexNHSNumberDate:
		p, err := splitRange(rangeStart, TermSeparator, 2)
		if err != nil {
			return nil, err
		}
		return s.nhsNumberDateTerms(ctx, index, p[0], p[1], end, Condition{}, termRegex)

	case IndexNHSNumberPrescDispDate:
		p, err := splitRange(rangeStart, TermSeparator, 4)
		if err != nil {
			return nil, err
		}
		filter := And(Equal(AttrPrescriberOrg, p[1]), Contains(AttrDispenserOrg, p[2]))
		return s.nhsNumberDateTerms(ctx, index, p[0], p[3], end, filter, termRegex)

	case IndexNHSNumberPrescriberDate:
		p, err := splitRange(rangeStart, TermSeparator, 3)
		if err != nil {
			return nil, err
		}
		return s.nhsNumberDateTerms(ctx, index, p[0], p[2], end, Equal(AttrPrescriberOrg, p[1]), termRegex)

	case IndexNHSNumberDispenserDate:
		p, err := splitRange(rangeStart, TermSeparator, 3)
		if err != nil {
			return nil, err
		}
		return s.nhsNumberDateTerms(ctx, index, p[0], p[2], end, Contains(AttrDispenserOrg, p[1]), termRegex)

	case IndexPrescDispDate:
		p, err := splitRange(rangeStart, TermSeparator, 3)
		if err != nil {
			return nil, err
		}
		return s.orgDateTerms(ctx, GSIPrescriberDate, AttrPrescriberOrg, index, p[0], p[2], end, Contains(AttrDispenserOrg, p[1]), termRegex)

	case IndexPrescriberDate:
		p, err := splitRange(rangeStart, TermSeparator, 2)
		if err != nil {
			return nil, err
		}
		return s.orgDateTerms(ctx, GSIPrescriberDate, AttrPrescriberOrg, index, p[0], p[1], end, Condition{}, termRegex)

	case IndexDispenserDate:
		p, err := splitRange(rangeStart, TermSeparator, 2)
		if err != nil {
			return nil, err
		}
		return s.orgDateTerms(ctx, GSIDispenserDate, AttrDispenserOrg, index, p[0], p[1], end, Condition{}, termRegex)

	case IndexNomPharmStatus:
		p, err := splitRange(rangeStart, "_", 2)
		if err != nil {
			return nil, err
		}
		return s.nomPharmStatusTerms(ctx, index, p[0], p[1], termRegex)
	}
	return nil, fmt.Errorf("index %q does not support date range lookups", index)
}

// TermsByNHSNumber returns every nhsNumber_bin term stored for a patient.
func (s *Store) TermsByNHSNumber(ctx context.Context, nhsNumber string) ([]Term, error) {
	return s.nhsNumberDateTerms(ctx, IndexNHSNumber, nhsNumber, "", "", Condition{}, nil)
}

// PrescriptionIDsForNominationChange returns the record keys of a patient.
func (s *Store) PrescriptionIDsForNominationChange(ctx context.Context, nhsNumber string) ([]string, error) {
	terms, err := s.TermsByNHSNumber(ctx, nhsNumber)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(terms))
	for _, t := range terms {
		keys = append(keys, t.Key)
	}
	return keys, nil
}

func (s *Store) nhsNumberDateTerms(ctx context.Context, index, nhsNumber, start, end string, filter Condition, termRegex *regexp.Regexp) ([]Term, error) {
	start, end = padOrTrimDate(start), padOrTrimDate(end)

	var sortCond Condition
	switch {
	case start != "" && end != "":
		c, ok := validRange(AttrCreationDatetime, start, end)
		if !ok {
			return nil, nil
		}
		sortCond = c
	case start != "":
		sortCond = GreaterOrEqual(AttrCreationDatetime, start)
	case end != "":
		sortCond = LessOrEqual(AttrCreationDatetime, end)
	}

	items, err := s.NewQuery(QueryInput{
		IndexName:    GSINHSNumberDate,
		KeyCondition: And(NHSNumberEquals(nhsNumber), sortCond),
		Filter:       filter,
	}).Collect(ctx)
	if err != nil {
		return nil, err
	}
	return FilterTermsByRegex(items, index, termRegex), nil
}

// orgDateTerms queries an index keyed by organisation and creation time.
func (s *Store) orgDateTerms(ctx context.Context, gsi, orgAttr, index, org, start, end string, filter Condition, termRegex *regexp.Regexp) ([]Term, error) {
	sortCond, ok := validRange(AttrCreationDatetime, padOrTrimDate(start), padOrTrimDate(end))
	if !ok {
		return nil, nil
	}
	items, err := s.NewQuery(QueryInput{
		IndexName:    gsi,
		KeyCondition: And(Equal(orgAttr, org), sortCond),
		Filter:       filter,
	}).Collect(ctx)
	if err != nil {
		return nil, err
	}
	return FilterTermsByRegex(items, index, termRegex), nil
}

func (s *Store) nomPharmStatusTerms(ctx context.Context, index, odsCode, status string, termRegex *regexp.Regexp) ([]Term, error) {
	isReady := boolToInt(status == StatusToBeDispensed)
	items, err := s.NewQuery(QueryInput{
		IndexName:    GSINominatedPharmacyStatus,
		KeyCondition: And(Equal(AttrNominatedPharmacy, odsCode), Equal(AttrIsReady, isReady)),
		Filter:       Contains(AttrStatus, status),
	}).Collect(ctx)
	if err != nil {
		return nil, err
	}
	return FilterTermsByRegex(items, index, termRegex), nil
}

// nomPharmStatus returns the record keys nominated to a pharmacy, only
// those ready to dispense unless allStatuses is set.
func (s *Store) nomPharmStatus(ctx context.Context, odsCode string, allStatuses bool, limit int32) ([]string, error) {
	ready := Equal(AttrIsReady, 1)
	if allStatuses {
		ready = Between(AttrIsReady, 0, 1)
	}
	return CollectKeys(s.queryKeys(ctx, QueryInput{
		IndexName:    GSINominatedPharmacyStatus,
		KeyCondition: And(Equal(AttrNominatedPharmacy, odsCode), ready),
		Limit:        limit,
	}))
}

// NominatedPharmacyRecords returns at most batchSize records ready for a
// pharmacy, and how many more were found beyond the batch.
func (s *Store) NominatedPharmacyRecords(ctx context.Context, nominatedPharmacy string, batchSize int) ([]string, int, error) {
	keys, err := s.NomPharmRecordsUnfiltered(ctx, nominatedPharmacy, 0)
	if err != nil {
		return nil, 0, err
	}
	if batchSize < 0 {
		batchSize = 0
	}
	discarded := max(len(keys)-batchSize, 0)
	return keys[:len(keys)-discarded], discarded, nil
}

// NomPharmRecordsUnfiltered returns the records ready for a pharmacy. A
// positive limit caps the number returned.
func (s *Store) NomPharmRecordsUnfiltered(ctx context.Context, nominatedPharmacy string, limit int32) ([]string, error) {
	return s.nomPharmStatus(ctx, nominatedPharmacy, false, limit)
}

// AllPIDsByNominatedPharmacy returns every record nominated to a pharmacy
// whatever its status.
func (s *Store) AllPIDsByNominatedPharmacy(ctx context.Context, nominatedPharmacy string) ([]string, error) {
	return s.nomPharmStatus(ctx, nominatedPharmacy, true, 0)
}

// PrescriptionIDsForNomPharm returns the ready records for the pharmacy
// named by an <odsCode>_<status> term.
func (s *Store) PrescriptionIDsForNomPharm(ctx context.Context, term string) ([]string, error) {
	odsCode, _, _ := strings.Cut(term, "_")
	return s.nomPharmStatus(ctx, odsCode, false, 0)
}

// DueForNextActivity returns, per next activity shard, the records whose
// next activity is due within rangeStart..rangeEnd. Both bounds have the
// form <activity>_<date> and only the activity of rangeStart is used. An
// inverted date range yields no shards.
func (s *Store) DueForNextActivity(ctx context.Context, rangeStart, rangeEnd string) (iter.Seq[KeySeq], error) {
	activity, start, found := strings.Cut(rangeStart, "_")
	if !found {
		return nil, fmt.Errorf("range bound %q: want <activity>_<date>", rangeStart)
	}
	dateCond, ok := validRange(AttrNextActivityDate, start, lastPart(rangeEnd, "_"))
	if !ok {
		return func(func(KeySeq) bool) {}, nil
	}
	return s.FanOut(ctx, activity, s.config.NextActivityPartitions, func(value string) QueryInput {
		return QueryInput{
			IndexName:    GSINextActivityDate,
			KeyCondition: And(Equal(AttrNextActivity, value), dateCond),
		}
	}), nil
}

// ClaimNotificationIDsBetween returns the claim notification documents
// stored between two YYYYMMDDHHMMSS times, querying one store date at a
// time.
func (s *Store) ClaimNotificationIDsBetween(ctx context.Context, start, end string) (KeySeq, error) {
	timeCond, ok := validRange(AttrStoreTime, start, end)
	if !ok {
		return func(func(string, error) bool) {}, nil
	}
	from, err := time.Parse(dateTimeFormat, start)
	if err != nil {
		return nil, fmt.Errorf("claim notification window start: %w", err)
	}
	to, err := time.Parse(dateTimeFormat, end)
	if err != nil {
		return nil, fmt.Errorf("claim notification window end: %w", err)
	}

	var days []string
	for d := truncateDay(from); !d.After(truncateDay(to)); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dateFormat))
	}

	logger := s.log(ctx)
	return Flatten(s.fanOutValues(ctx, days, func(day string) QueryInput {
		logger.Info("querying claim notifications", "date", day, "startTime", start, "endTime", end)
		return QueryInput{
			IndexName:    GSIClaimNotificationStoreTime,
			KeyCondition: And(Equal(AttrClaimNotificationStoreDate, day), timeCond),
		}
	})), nil
}

// LastModifiedBetween returns, per last modified shard, the items written
// between from and to. Each day in the window is queried across all of its
// shards.
func (s *Store) LastModifiedBetween(ctx context.Context, from, to time.Time) iter.Seq[KeySeq] {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return func(func(KeySeq) bool) {}
	}

	var values []string
	for d := truncateDay(from); !d.After(truncateDay(to)); d = d.AddDate(0, 0, 1) {
		values = append(values, shard.Range(d.Format(dateFormat), 0, s.config.LastModifiedPartitions)...)
	}
	window := Between(AttrLastModified, epochSeconds(from), epochSeconds(to))
	return s.fanOutValues(ctx, values, func(day string) QueryInput {
		return QueryInput{
			IndexName:    GSILastModified,
			KeyCondition: And(Equal(AttrLastModifiedDay, day), window),
		}
	})
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// NHSNumberEquals matches records of one patient.
func NHSNumberEquals(nhsNumber string) Condition {
	return Equal(AttrNHSNumber, nhsNumber)
}

// CreationDatetimeRange matches records created from start, up to end when
// end is set.
func CreationDatetimeRange(start, end string) Condition {
	if end == "" {
		return GreaterOrEqual(AttrCreationDatetime, start)
	}
	return Between(AttrCreationDatetime, start, end)
}

// ReleaseVersionR2 matches R2 records in any release version shard.
func ReleaseVersionR2() Condition {
	return Contains(AttrReleaseVersion, ReleaseR2)
}

// NextActivityNotPurged excludes records waiting to be purged.
func NextActivityNotPurged() Condition {
	return Not(Contains(AttrNextActivity, NextActivityPurge))
}

// RecordTypeNotERD excludes repeat dispensing records.
func RecordTypeNotERD() Condition {
	return NotEqual(AttrRecordType, RecordTypeRepeatDispense)
}

// StatusEquals matches records whose combined status is status.
func StatusEquals(status string) Condition {
	return Equal(AttrStatus, status)
}
