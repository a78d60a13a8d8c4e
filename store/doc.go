// Package store provides the prescription datastore on a single DynamoDB table.
//
// Every item is addressed by a partition key (a document reference, a
// prescription id, a message id, a batch GUID or a counter name) and a
// [SortKey] naming its kind. Query patterns the primary key cannot serve are
// answered through global secondary indexes keyed on attributes projected
// from the item when it is written.
//
// # Key Features
//
//   - Compressed record and claim bodies, binary document content
//   - Duplicate-rejecting inserts and version-gated updates
//   - Rotating sequence numbers for batch claims
//   - Case-normalised index terms stored with each item
//   - Write sharding of hot index values with fan-out reads
//   - Lazily paginated queries with an optional limit
//
// # Writes
//
// [Store.Insert] fails with [ErrDuplicate] when the key is taken.
// [Store.Update] only succeeds while the stored version (the record SCN or
// the counter value) still equals the version the caller read, and fails
// with [ErrConditionalUpdate] otherwise. Neither retries: the caller decides
// whether to re-read. Every write stamps the last modified time and a
// sharded last modified day.
//
// # Sharding
//
// The next activity and release version of a record are written with a
// random shard suffix such as "createNoClaim.7". Reads use [Store.FanOut],
// which queries the legacy unsuffixed value and then every shard, each as
// its own lazy sequence:
//
//	shards, err := s.DueForNextActivity(ctx, "purge_20240101", "purge_20240131")
//	if err != nil {
//	    return err
//	}
//	for key, err := range store.Flatten(shards) {
//	    ...
//	}
//
// # Configuration
//
// Use [DefaultConfig] for production defaults: 12 shards per sharded value,
// 25 sequence retries, 18 months retention and 56 days for worklists and
// claims.
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrDuplicate] - an item already exists under the key
//   - [ErrConditionalUpdate] - the stored version changed since it was read
//   - [ErrNotFound] - an item that was expected is missing
//   - [ErrEmptyRecord] - an item exists without a body
//   - [ErrCorruption] - a stored body cannot be decoded
//   - [ErrInvalidContent] - document content is not base64 or a record has no SCN
//   - [ErrSequenceExhausted] - sequence allocation kept losing races
//
// Key-scoped failures are returned as [*KeyError] so errors.Is and
// errors.As both work.
package store
