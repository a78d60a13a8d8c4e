package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHSDigital/eps-spine-shared-sub000/store"
)

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func TestSequence_Rotates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, store.Config{})

	var got []int
	for i := 0; i < 5; i++ {
		n, err := s.FetchNextSequenceNumber(ctx, 2, false)
		require.NoError(t, err)
		got = append(got, n)
	}
	assert.Equal(t, []int{1, 2, 1, 2, 1}, got)
}

func TestSequence_ReadOnly(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{})

	n, err := s.FetchNextSequenceNumber(ctx, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a missing counter reads as 0")
	assert.Zero(t, client.Len(), "a read-only call never creates the counter")

	for i := 0; i < 3; i++ {
		_, err := s.FetchNextSequenceNumber(ctx, 10, false)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		n, err := s.FetchNextSequenceNumber(ctx, 10, true)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
}

func TestSequence_CountersAreIndependent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, store.Config{})

	for i := 0; i < 3; i++ {
		_, err := s.FetchNextSequenceNumber(ctx, 100, false)
		require.NoError(t, err)
	}
	n, err := s.FetchNextSequenceNumberNWSSP(ctx, 100, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Sequences().Next(ctx, "customCounter", 100, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSequence_InvalidMax(t *testing.T) {
	s, client := newTestStore(t, store.Config{})

	_, err := s.FetchNextSequenceNumber(context.Background(), 0, false)
	assert.Error(t, err)
	assert.Zero(t, client.Calls("GetItem"))
}

func TestSequence_ResetsCounterWithoutNumber(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{})
	require.NoError(t, client.PutRaw(map[string]types.AttributeValue{
		store.AttrPK: sAttr(store.CounterClaimSequence), store.AttrSK: sAttr("SQN"),
	}))

	n, err := s.FetchNextSequenceNumber(ctx, 5, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "1", numberOf(t, client.Raw(store.CounterClaimSequence, "SQN"), store.AttrSequenceNumber))
}

func TestSequence_RetriesLostRace(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{})

	var puts atomic.Int32
	client.SetFault(func(op string) error {
		if op == "PutItem" && puts.Add(1) <= 2 {
			return conditionFailed()
		}
		return nil
	})

	n, err := s.FetchNextSequenceNumber(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 3, client.Calls("PutItem"))
	assert.EqualValues(t, 3, client.Calls("GetItem"), "every attempt re-reads the counter")
}

func TestSequence_Exhausted(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{SequenceMaxRetries: 3})
	client.SetFault(func(op string) error {
		if op == "PutItem" {
			return conditionFailed()
		}
		return nil
	})

	_, err := s.FetchNextSequenceNumber(ctx, 10, false)
	assert.ErrorIs(t, err, store.ErrSequenceExhausted)
	assert.ErrorIs(t, err, store.ErrDuplicate, "the last conflict is kept")
	assert.EqualValues(t, 4, client.Calls("PutItem"))
}

func TestSequence_OtherErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t, store.Config{})
	throttled := errors.New("throughput exceeded")
	client.SetFault(func(op string) error {
		if op == "PutItem" {
			return throttled
		}
		return nil
	})

	_, err := s.FetchNextSequenceNumber(ctx, 10, false)
	assert.ErrorIs(t, err, throttled)
	assert.NotErrorIs(t, err, store.ErrSequenceExhausted)
	assert.EqualValues(t, 1, client.Calls("PutItem"))
}

func TestSequenceManager_DefaultRetries(t *testing.T) {
	s, client := newTestStore(t, store.Config{})
	client.SetFault(func(op string) error {
		if op == "PutItem" {
			return conditionFailed()
		}
		return nil
	})

	m := store.NewSequenceManager(s, 0)
	_, err := m.Next(context.Background(), "c", 10, false)
	assert.ErrorIs(t, err, store.ErrSequenceExhausted)
	assert.EqualValues(t, 26, client.Calls("PutItem"))
}
