package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/NHSDigital/eps-spine-shared-sub000/internal/shard"
)

// Release versions, derived from the length of a prescription id.
const (
	ReleaseR1      = "R1"
	ReleaseR2      = "R2"
	ReleaseUnknown = "UNKNOWN"
)

// StatusToBeDispensed is the prescription status that makes a record ready
// for its nominated pharmacy.
const StatusToBeDispensed = "0001"

// Next activities that end a record's life.
const (
	NextActivityDelete = "delete"
	NextActivityPurge  = "purge"
)

// RecordTypeRepeatDispense marks repeat dispensing records.
const RecordTypeRepeatDispense = "RepeatDispense"

// valueSeparator joins multiple statuses or organisations in one attribute.
const valueSeparator = "#"

// PrescriptionIDWithoutCheckDigit trims the check digit from a long (37
// character) or short (20 character) prescription id. Ids already without
// one are returned unchanged.
func PrescriptionIDWithoutCheckDigit(id string) string {
	switch n := len(id); {
	case n > 36:
		return id[:36]
	case n > 19 && n < 36:
		return id[:19]
	}
	return id
}

// ReleaseVersion returns the unsharded release version of a prescription.
func ReleaseVersion(prescriptionID string) string {
	switch len(PrescriptionIDWithoutCheckDigit(prescriptionID)) {
	case 36:
		return ReleaseR1
	case 19:
		return ReleaseR2
	}
	return ReleaseUnknown
}

// releaseVersionFor returns the release version of a prescription with a
// shard suffix. Unknown versions are not sharded.
func (s *Store) releaseVersionFor(prescriptionID string) string {
	v := ReleaseVersion(prescriptionID)
	if v == ReleaseUnknown {
		return v
	}
	return shard.Assign(v, s.config.ReleaseVersionPartitions)
}

// Record is a prescription record as read back from the table.
type Record struct {
	// Value is the decoded record body.
	Value map[string]any

	RecordType string

	// ReleaseVersion is R1, R2 or UNKNOWN with any shard suffix removed.
	ReleaseVersion string

	// SCN is the version the record was stored at.
	SCN int64
}

// RecordItem builds the stored form of a prescription record. Index terms
// default to the record's own indexes field. Search attributes are
// projected from the body unless the record is due to be purged, which
// drops it out of every search index. The body's SCN becomes the stored
// version and must be an integer.
func (s *Store) RecordItem(prescriptionID string, record map[string]any, index map[string][]string, recordType string) (map[string]types.AttributeValue, error) {
	key := PrescriptionIDWithoutCheckDigit(prescriptionID)

	scn, ok := toInt64(record["SCN"])
	if !ok {
		return nil, fmt.Errorf("record %q: %w: SCN missing or not an integer", key, ErrInvalidContent)
	}

	terms := BuildIndexAttribute(index)
	if terms == nil {
		terms = indexTermsFromAny(s.logger, record[AttrIndexes])
	}

	body, err := EncodeBody(SortKeyRecord, record)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", key, err)
	}

	var nextActivity, nextActivityDate string
	if term, ok := terms.First(IndexNextActivity); ok {
		parts := strings.Split(term, "_")
		nextActivity = parts[0]
		if len(parts) == 2 {
			nextActivityDate = parts[1]
		}
	}
	creation := nestedString(record, "prescription", "prescriptionTime")

	item := map[string]types.AttributeValue{
		AttrPK:       stringAttr(key),
		AttrSK:       stringAttr(string(SortKeyRecord)),
		AttrSCN:      intAttr(scn),
		AttrBody:     body,
		AttrIndexes:  terms.attributeValue(),
		AttrExpireAt: intAttr(s.recordExpireAt(nextActivity, nextActivityDate, creation)),
	}
	if nextActivity != "" {
		item[AttrNextActivity] = stringAttr(shard.Assign(nextActivity, s.config.NextActivityPartitions))
	}
	if nextActivityDate != "" {
		item[AttrNextActivityDate] = stringAttr(nextActivityDate)
	}

	if strings.EqualFold(nextActivity, NextActivityPurge) {
		return item, nil
	}

	setString := func(name, v string) {
		if v != "" {
			item[name] = stringAttr(v)
		}
	}
	setString(AttrCreationDatetime, creation)
	setString(AttrNHSNumber, nestedString(record, "patient", "nhsNumber"))
	setString(AttrPrescriberOrg, nestedString(record, "prescription", "prescribingOrganization"))

	statuses, dispensers := instanceSummary(record)
	isReady := len(statuses) > 0 && statuses[0] == StatusToBeDispensed
	setString(AttrStatus, strings.Join(statuses, valueSeparator))
	item[AttrIsReady] = intAttr(boolToInt(isReady))

	dispenserOrg := strings.Join(dispensers, valueSeparator)
	nominated := nestedString(record, "nomination", "nominatedPerformer")
	if dispenserOrg == "" {
		dispenserOrg = nominated
	}
	setString(AttrDispenserOrg, dispenserOrg)
	setString(AttrNominatedPharmacy, nominated)
	setString(AttrRecordType, recordType)
	item[AttrReleaseVersion] = stringAttr(s.releaseVersionFor(prescriptionID))

	return item, nil
}

// instanceSummary returns the distinct statuses of a record's instances,
// to-be-dispensed first, and the distinct organisations dispensing them.
func instanceSummary(record map[string]any) (statuses, dispensers []string) {
	instances, _ := record["instances"].(map[string]any)
	for _, v := range instances {
		instance, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if status, ok := instance["prescriptionStatus"].(string); ok && !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
		if org := nestedString(instance, "dispense", "dispensingOrganization"); org != "" && !slices.Contains(dispensers, org) {
			dispensers = append(dispensers, org)
		}
	}

	slices.Sort(statuses)
	if i := slices.Index(statuses, StatusToBeDispensed); i > 0 {
		statuses = slices.Insert(slices.Delete(statuses, i, i+1), 0, StatusToBeDispensed)
	}
	slices.Sort(dispensers)
	return statuses, dispensers
}

// InsertRecord stores a new prescription record, failing with ErrDuplicate
// when the prescription already has one.
func (s *Store) InsertRecord(ctx context.Context, prescriptionID string, record map[string]any, index map[string][]string, recordType string) error {
	item, err := s.RecordItem(prescriptionID, record, index, recordType)
	if err != nil {
		return err
	}
	return s.Insert(ctx, item)
}

// UpdateRecord replaces a prescription record provided it is still stored
// at expectedSCN. A record changed by another writer since it was read
// fails with ErrConditionalUpdate, leaving the caller to re-read.
func (s *Store) UpdateRecord(ctx context.Context, prescriptionID string, record map[string]any, index map[string][]string, recordType string, expectedSCN int64) error {
	item, err := s.RecordItem(prescriptionID, record, index, recordType)
	if err != nil {
		return err
	}
	return s.Update(ctx, item, expectedSCN)
}

// GetRecord returns the record of a prescription. A missing record is an
// ErrNotFound failure when expectExists is set and nil otherwise.
func (s *Store) GetRecord(ctx context.Context, prescriptionID string, expectExists bool) (*Record, error) {
	key := PrescriptionIDWithoutCheckDigit(prescriptionID)
	item, err := s.GetItem(ctx, key, SortKeyRecord, ReadOptions{ExpectExists: expectExists})
	if err != nil || item == nil {
		return nil, err
	}

	body, err := DecodeBody(SortKeyRecord, item.Raw[AttrBody], false)
	if err != nil {
		s.log(ctx).Error("decoding record failed", "key", key, "error", err)
		return nil, s.keyError(key, SortKeyRecord, err)
	}

	rec := &Record{
		Value:          body,
		RecordType:     item.String(AttrRecordType),
		ReleaseVersion: item.String(AttrReleaseVersion),
	}
	if rec.ReleaseVersion == "" {
		rec.ReleaseVersion = ReleaseVersion(item.Key)
	}
	rec.ReleaseVersion, _, _ = strings.Cut(rec.ReleaseVersion, shard.Separator)

	if scn, ok := item.Int(AttrSCN); ok {
		rec.SCN = scn
	} else if scn, ok := toInt64(body["SCN"]); ok {
		rec.SCN = scn
	}
	return rec, nil
}

// RecordPresent reports whether the prescription has a record.
func (s *Store) RecordPresent(ctx context.Context, prescriptionID string) (bool, error) {
	return s.ItemExists(ctx, PrescriptionIDWithoutCheckDigit(prescriptionID), SortKeyRecord, false)
}

// DeleteRecord removes the record of a prescription.
func (s *Store) DeleteRecord(ctx context.Context, prescriptionID string) error {
	key := PrescriptionIDWithoutCheckDigit(prescriptionID)
	s.log(ctx).Info("deleting record", "recordRef", key)
	return s.DeleteItem(ctx, key, SortKeyRecord)
}

// nestedString follows keys through nested maps and returns the string at
// the end, or "" when any step is missing.
func nestedString(m map[string]any, keys ...string) string {
	var cur any = m
	for _, k := range keys {
		next, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = next[k]
	}
	s, _ := cur.(string)
	return s
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
