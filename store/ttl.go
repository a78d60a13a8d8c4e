package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Time formats used in index terms and projected attributes.
const (
	dateFormat     = "20060102"
	dateTimeFormat = "20060102150405"
)

// maxNextActivityDate marks a next activity that is never due.
const maxNextActivityDate = "99991231"

// IsExpired checks if an item's TTL has passed. DynamoDB removes expired
// items some time after expiry, so they can still be read for a while.
func IsExpired(item map[string]types.AttributeValue, now time.Time) bool {
	attr, ok := item[AttrExpireAt].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	expireAt, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return false
	}
	return expireAt <= now.Unix()
}

// addMonths adds calendar months, clamping to the last day of the target
// month instead of overflowing into the next one.
func addMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := first.AddDate(0, 1, -1).Day(); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// parseSpineTime reads a YYYYMMDDHHMMSS or YYYYMMDD value as UTC. Longer
// values are trimmed to the seconds.
func parseSpineTime(v string) (time.Time, error) {
	switch {
	case len(v) >= len(dateTimeFormat):
		return time.ParseInLocation(dateTimeFormat, v[:len(dateTimeFormat)], time.UTC)
	case len(v) == len(dateFormat):
		return time.ParseInLocation(dateFormat, v, time.UTC)
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", v)
}

// recordExpireAt keeps a record for the retention period after creation,
// unless its next activity deletes or purges it sooner.
func (s *Store) recordExpireAt(nextActivity, nextActivityDate, creation string) int64 {
	created, err := parseSpineTime(creation)
	if err != nil {
		created = s.now().UTC()
	}
	def := addMonths(created, s.config.RetentionMonths).Unix()

	activity := strings.ToLower(nextActivity)
	if (activity != "delete" && activity != "purge") || nextActivityDate == "" || nextActivityDate == maxNextActivityDate {
		return def
	}

	due, err := parseSpineTime(nextActivityDate)
	if err != nil {
		return def
	}
	if activity == "delete" {
		due = addMonths(due, 12)
	}
	return min(due.Unix(), def)
}

// documentExpireAt uses the backstop delete date from the index when one
// is supplied, and the retention period from now otherwise.
func (s *Store) documentExpireAt(index IndexTerms) (int64, error) {
	deleteDate, ok := index.First(IndexDeleteDate)
	if !ok {
		return addMonths(s.now().UTC(), s.config.RetentionMonths).Unix(), nil
	}
	t, err := time.ParseInLocation(dateFormat, deleteDate, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("backstop delete date %q: %w", deleteDate, err)
	}
	return t.Unix(), nil
}

func (s *Store) expireAfterDays(days int) int64 {
	return s.now().UTC().AddDate(0, 0, days).Unix()
}
