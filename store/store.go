package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Store provides the prescription datastore operations on one DynamoDB table.
type Store struct {
	client    API
	config    Config
	logger    *slog.Logger
	metrics   *Metrics
	sequences *SequenceManager
	now       func() time.Time
}

// New creates a new Store instance.
func New(client API, config Config) *Store {
	config.validate()
	s := &Store{
		client: client,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	s.sequences = NewSequenceManager(s, config.SequenceMaxRetries)
	return s
}

// SetLogger sets the logger used for store operations. A nil logger
// restores slog.Default().
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger
}

// SetMetrics sets the collectors updated by store operations.
func (s *Store) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetClock replaces the time source used for expiry and last modified
// stamps. A nil clock restores time.Now.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// Sequences returns the sequence manager backed by this store.
func (s *Store) Sequences() *SequenceManager {
	return s.sequences
}

type internalIDKey struct{}

// WithInternalID attaches a correlation id that is logged with every
// operation performed under ctx.
func WithInternalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, internalIDKey{}, id)
}

// InternalID returns the correlation id attached to ctx, if any.
func InternalID(ctx context.Context) string {
	id, _ := ctx.Value(internalIDKey{}).(string)
	return id
}

func (s *Store) log(ctx context.Context) *slog.Logger {
	return s.logger.With("internalID", InternalID(ctx), "table", s.config.TableName)
}

// ReadOptions control how a missing or empty item is reported.
type ReadOptions struct {
	// ExpectExists makes a missing item an ErrNotFound failure. Without it
	// a missing item is returned as nil.
	ExpectExists bool

	// ExpectNone accepts an existing item without a body. Without it such
	// an item is an ErrEmptyRecord failure when ExpectExists is set.
	ExpectNone bool
}

// GetItem reads one item with a strongly consistent read.
func (s *Store) GetItem(ctx context.Context, key string, sk SortKey, opts ReadOptions) (*Item, error) {
	if key == "" {
		s.log(ctx).Error("read with empty key", "sortKey", sk)
		return nil, s.keyError(key, sk, ErrInvalidKey)
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.TableName),
		Key:            itemKey(key, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s %q: %w", sk, key, err)
	}

	if len(out.Item) == 0 {
		if opts.ExpectExists {
			s.log(ctx).Info("item not found", "key", key, "sortKey", sk)
			return nil, s.keyError(key, sk, ErrNotFound)
		}
		return nil, nil
	}

	if opts.ExpectExists && !opts.ExpectNone {
		if _, ok := out.Item[AttrBody]; !ok {
			return nil, s.keyError(key, sk, ErrEmptyRecord)
		}
	}

	return unmarshalItem(out.Item), nil
}

// ItemExists reports whether an item is stored under key and sk.
func (s *Store) ItemExists(ctx context.Context, key string, sk SortKey, expectExists bool) (bool, error) {
	item, err := s.GetItem(ctx, key, sk, ReadOptions{ExpectExists: expectExists})
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

// DeleteItem removes an item. Deleting a missing item is not an error.
func (s *Store) DeleteItem(ctx context.Context, key string, sk SortKey) error {
	if key == "" {
		return s.keyError(key, sk, ErrInvalidKey)
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.config.TableName),
		Key:       itemKey(key, sk),
	})
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", sk, key, err)
	}
	s.metrics.write(sk, outcomeDeleted)
	return nil
}
