package store

import (
	"context"
	"errors"
	"iter"

	"github.com/NHSDigital/eps-spine-shared-sub000/internal/shard"
)

// KeySeq yields the partition keys of the items matched by one query.
// A failed query yields a single error with an empty key and stops.
type KeySeq = iter.Seq2[string, error]

// FanOut queries every stored form of a value sharded over n shards: the
// legacy unsharded value first, then base.1 through base.n. Nothing is
// fetched until a shard's sequence is iterated, and each shard fails
// independently of the others.
func (s *Store) FanOut(ctx context.Context, base string, n int, input func(value string) QueryInput) iter.Seq[KeySeq] {
	return s.fanOutValues(ctx, shard.Values(base, n), input)
}

func (s *Store) fanOutValues(ctx context.Context, values []string, input func(value string) QueryInput) iter.Seq[KeySeq] {
	return func(yield func(KeySeq) bool) {
		for _, v := range values {
			if !yield(s.queryKeys(ctx, input(v))) {
				return
			}
		}
	}
}

// queryKeys returns the partition keys matched by in.
func (s *Store) queryKeys(ctx context.Context, in QueryInput) KeySeq {
	return func(yield func(string, error) bool) {
		q := s.NewQuery(in)
		for item, err := range q.All(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(item.Key, nil) {
				return
			}
		}
	}
}

// Flatten chains shard sequences in order. An error from one shard is
// yielded and iteration moves on to the next shard unless the consumer
// stops.
func Flatten(shards iter.Seq[KeySeq]) KeySeq {
	return func(yield func(string, error) bool) {
		for seq := range shards {
			for key, err := range seq {
				if !yield(key, err) {
					return
				}
			}
		}
	}
}

// CollectKeys drains seq. Keys from healthy shards are returned alongside
// the joined errors of failed ones.
func CollectKeys(seq KeySeq) ([]string, error) {
	var keys []string
	var errs []error
	for key, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}
