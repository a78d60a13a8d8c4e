package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Counters used for batch claim sequence numbers.
const (
	CounterClaimSequence      = "claimSequenceNumber"
	CounterClaimSequenceNWSSP = "claimSequenceNumberNwssp"
)

// SequenceManager allocates numbers from named counters that rotate through
// 1..max. Each counter is one SQN item whose sequenceNumber attribute holds
// the last value handed out.
//
// Allocation is a read followed by a version-gated write, so it is only
// correct for a single allocating caller per counter. A lost race is
// re-read and retried up to the configured bound with no backoff.
type SequenceManager struct {
	store      *Store
	maxRetries int
}

// NewSequenceManager creates a manager over s. maxRetries below 1 uses the
// default bound.
func NewSequenceManager(s *Store, maxRetries int) *SequenceManager {
	if maxRetries < 1 {
		maxRetries = DefaultConfig().SequenceMaxRetries
	}
	return &SequenceManager{store: s, maxRetries: maxRetries}
}

// Next allocates the next number from counter. The first allocation and the
// one after maxValue both return 1. With readOnly the stored value is returned
// unchanged, or 0 when the counter does not exist yet.
func (m *SequenceManager) Next(ctx context.Context, counter string, maxValue int, readOnly bool) (int, error) {
	if maxValue < 1 {
		return 0, fmt.Errorf("sequence %q: max %d must be at least 1", counter, maxValue)
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			m.store.metrics.sequenceRetry()
			m.store.log(ctx).Debug("retrying sequence allocation", "counter", counter, "attempt", attempt)
		}

		cur, item, err := m.current(ctx, counter)
		if err != nil {
			return 0, err
		}
		if readOnly {
			return cur, nil
		}

		next := 1
		if cur > 0 && cur < maxValue {
			next = cur + 1
		}
		update := map[string]types.AttributeValue{
			AttrPK:             stringAttr(counter),
			AttrSK:             stringAttr(string(SortKeySequence)),
			AttrSequenceNumber: intAttr(int64(next)),
		}

		switch {
		case item == nil:
			err = m.store.Insert(ctx, update)
		case cur == 0:
			// A counter item without a number is reset.
			err = m.store.Overwrite(ctx, update)
		default:
			err = m.store.Update(ctx, update, int64(cur))
		}
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrDuplicate) && !errors.Is(err, ErrConditionalUpdate) {
			return 0, err
		}
		lastErr = err
	}

	m.store.log(ctx).Error("sequence allocation failed", "counter", counter, "retries", m.maxRetries)
	return 0, fmt.Errorf("%w: counter %q: %w", ErrSequenceExhausted, counter, lastErr)
}

// current reads the stored value of counter. A missing counter reads as 0
// with a nil item.
func (m *SequenceManager) current(ctx context.Context, counter string) (int, *Item, error) {
	item, err := m.store.GetItem(ctx, counter, SortKeySequence, ReadOptions{})
	if err != nil || item == nil {
		return 0, nil, err
	}
	n, _ := item.Int(AttrSequenceNumber)
	return int(n), item, nil
}
