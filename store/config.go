package store

// Config holds configuration for the Store.
type Config struct {
	// TableName is the name of the DynamoDB table.
	// Default: "spine-eps-datastore"
	TableName string

	// NextActivityPartitions is the number of shards the next activity
	// index value is spread over.
	// Default: 12
	// Max: 256
	NextActivityPartitions int

	// ReleaseVersionPartitions is the number of shards the release version
	// value is spread over.
	// Default: 12
	// Max: 256
	ReleaseVersionPartitions int

	// LastModifiedPartitions is the number of shards each last modified day
	// is spread over. Shards are numbered from 0.
	// Default: 12
	// Max: 256
	LastModifiedPartitions int

	// SequenceMaxRetries bounds how many times sequence number allocation
	// re-reads and retries after losing a race.
	// Default: 25
	SequenceMaxRetries int

	// RetentionMonths is how long records and documents are kept after
	// creation when nothing sets an earlier expiry.
	// Default: 18
	RetentionMonths int

	// WorkListExpiryDays is how long worklists are kept.
	// Default: 56
	WorkListExpiryDays int

	// ClaimExpiryDays is how long batch claims are kept.
	// Default: 56
	ClaimExpiryDays int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TableName:                "spine-eps-datastore",
		NextActivityPartitions:   12,
		ReleaseVersionPartitions: 12,
		LastModifiedPartitions:   12,
		SequenceMaxRetries:       25,
		RetentionMonths:          18,
		WorkListExpiryDays:       56,
		ClaimExpiryDays:          56,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	d := DefaultConfig()
	if c.TableName == "" {
		c.TableName = d.TableName
	}
	c.NextActivityPartitions = clampPartitions(c.NextActivityPartitions, d.NextActivityPartitions)
	c.ReleaseVersionPartitions = clampPartitions(c.ReleaseVersionPartitions, d.ReleaseVersionPartitions)
	c.LastModifiedPartitions = clampPartitions(c.LastModifiedPartitions, d.LastModifiedPartitions)
	if c.SequenceMaxRetries < 1 {
		c.SequenceMaxRetries = d.SequenceMaxRetries
	}
	if c.RetentionMonths < 1 {
		c.RetentionMonths = d.RetentionMonths
	}
	if c.WorkListExpiryDays < 1 {
		c.WorkListExpiryDays = d.WorkListExpiryDays
	}
	if c.ClaimExpiryDays < 1 {
		c.ClaimExpiryDays = d.ClaimExpiryDays
	}
}

func clampPartitions(n, def int) int {
	if n < 1 {
		return def
	}
	if n > 256 {
		return 256
	}
	return n
}
