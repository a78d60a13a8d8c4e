package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dustin/go-humanize"

	"github.com/NHSDigital/eps-spine-shared-sub000/internal/shard"
)

// MaxItemSize is the DynamoDB item size limit.
const MaxItemSize = 400 * 1024

// maxTransactItems is the DynamoDB limit on items per transaction.
const maxTransactItems = 100

// insertCondition rejects a put when any item is stored under the key.
const insertCondition = "attribute_not_exists(pk) AND attribute_not_exists(sk)"

type writeMode int

const (
	writeInsert writeMode = iota
	writeUpdate
	writeOverwrite
)

// Insert writes a new item, failing with ErrDuplicate when an item already
// exists under the same key and sort key. Last-modified attributes are
// added to item.
func (s *Store) Insert(ctx context.Context, item map[string]types.AttributeValue) error {
	return s.put(ctx, item, writeInsert, 0)
}

// Update replaces an item only while its stored version still equals
// expectedVersion, failing with ErrConditionalUpdate otherwise. The version
// attribute is scn for records and sequenceNumber for counters. Failures
// are never retried here.
func (s *Store) Update(ctx context.Context, item map[string]types.AttributeValue, expectedVersion int64) error {
	return s.put(ctx, item, writeUpdate, expectedVersion)
}

// Overwrite writes an item unconditionally.
func (s *Store) Overwrite(ctx context.Context, item map[string]types.AttributeValue) error {
	return s.put(ctx, item, writeOverwrite, 0)
}

// InsertAll inserts every item or none of them in a single transaction.
// A conflict on any item fails the whole write with ErrDuplicate for the
// first conflicting item.
func (s *Store) InsertAll(ctx context.Context, items []map[string]types.AttributeValue) error {
	switch {
	case len(items) == 0:
		return nil
	case len(items) == 1:
		return s.Insert(ctx, items[0])
	case len(items) > maxTransactItems:
		return fmt.Errorf("insert %d items: at most %d items per transaction", len(items), maxTransactItems)
	}

	transact := make([]types.TransactWriteItem, 0, len(items))
	for _, item := range items {
		key, sk := keyOf(item)
		if key == "" {
			return s.keyError(key, sk, ErrInvalidKey)
		}
		s.stampLastModified(item)
		s.logItemSize(ctx, key, sk, item)

		transact = append(transact, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.config.TableName),
				Item:                item,
				ConditionExpression: aws.String(insertCondition),
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: transact,
	})
	if err == nil {
		for _, item := range items {
			_, sk := keyOf(item)
			s.metrics.write(sk, outcomeWritten)
		}
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i < len(items) {
				return s.conflict(ctx, items[i], writeInsert)
			}
		}
	}
	return fmt.Errorf("transact write %d items: %w", len(items), err)
}

func (s *Store) put(ctx context.Context, item map[string]types.AttributeValue, mode writeMode, expectedVersion int64) error {
	key, sk := keyOf(item)
	if key == "" {
		s.log(ctx).Error("write with empty key", "sortKey", sk)
		return s.keyError(key, sk, ErrInvalidKey)
	}

	s.stampLastModified(item)
	if sk != SortKeySequence {
		s.logItemSize(ctx, key, sk, item)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.config.TableName),
		Item:      item,
	}
	switch mode {
	case writeInsert:
		input.ConditionExpression = aws.String(insertCondition)
	case writeUpdate:
		input.ConditionExpression = aws.String("#version = :expected")
		input.ExpressionAttributeNames = map[string]string{
			"#version": versionAttribute(sk),
		}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": intAttr(expectedVersion),
		}
	}

	_, err := s.client.PutItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return s.conflict(ctx, item, mode)
		}
		s.metrics.write(sk, outcomeError)
		return fmt.Errorf("put %s %q: %w", sk, key, err)
	}

	s.metrics.write(sk, outcomeWritten)
	return nil
}

// conflict logs a failed condition and returns the matching error.
func (s *Store) conflict(ctx context.Context, item map[string]types.AttributeValue, mode writeMode) error {
	key, sk := keyOf(item)
	incoming := "None"
	if v, ok := item[versionAttribute(sk)].(*types.AttributeValueMemberN); ok {
		incoming = v.Value
	}

	if mode == writeUpdate {
		s.log(ctx).Warn("conditional update failed", "key", key, "sortKey", sk, "incomingVersion", incoming)
		s.metrics.write(sk, outcomeConflict)
		return s.keyError(key, sk, ErrConditionalUpdate)
	}
	s.log(ctx).Warn("duplicate insert", "key", key, "sortKey", sk, "incomingVersion", incoming)
	s.metrics.write(sk, outcomeDuplicate)
	return s.keyError(key, sk, ErrDuplicate)
}

// stampLastModified sets the last-modified time and its sharded day.
func (s *Store) stampLastModified(item map[string]types.AttributeValue) {
	now := s.now().UTC()
	day := fmt.Sprintf("%s.%d", now.Format(dateFormat), shard.Index(s.config.LastModifiedPartitions))
	item[AttrLastModifiedDay] = stringAttr(day)
	item[AttrLastModified] = &types.AttributeValueMemberN{
		Value: strconv.FormatFloat(float64(now.UnixMicro())/1e6, 'f', 6, 64),
	}
}

func (s *Store) logItemSize(ctx context.Context, key string, sk SortKey, item map[string]types.AttributeValue) {
	size := itemSize(item)
	s.metrics.itemSize(sk, size)

	logger := s.log(ctx)
	if size > MaxItemSize {
		logger.Warn("item exceeds size limit",
			"key", key, "sortKey", sk, "size", size,
			"limit", humanize.IBytes(MaxItemSize))
		return
	}
	logger.Debug("item size", "key", key, "sortKey", sk, "size", size, "humanSize", humanize.IBytes(uint64(size)))
}

// itemSize estimates the stored size of an item using the DynamoDB sizing
// rules: attribute names plus value sizes, with per-element overhead for
// lists and maps.
func itemSize(item map[string]types.AttributeValue) int {
	n := 0
	for name, v := range item {
		n += len(name) + attributeSize(v)
	}
	return n
}

func attributeSize(v types.AttributeValue) int {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return len(t.Value)
	case *types.AttributeValueMemberB:
		return len(t.Value)
	case *types.AttributeValueMemberN:
		return len(t.Value)/2 + 1
	case *types.AttributeValueMemberBOOL, *types.AttributeValueMemberNULL:
		return 1
	case *types.AttributeValueMemberL:
		n := 3
		for _, el := range t.Value {
			n += 1 + attributeSize(el)
		}
		return n
	case *types.AttributeValueMemberM:
		n := 3
		for k, el := range t.Value {
			n += 1 + len(k) + attributeSize(el)
		}
		return n
	case *types.AttributeValueMemberSS:
		n := 0
		for _, s := range t.Value {
			n += len(s)
		}
		return n
	case *types.AttributeValueMemberNS:
		n := 0
		for _, s := range t.Value {
			n += len(s)/2 + 1
		}
		return n
	case *types.AttributeValueMemberBS:
		n := 0
		for _, b := range t.Value {
			n += len(b)
		}
		return n
	}
	return 0
}

func keyOf(item map[string]types.AttributeValue) (string, SortKey) {
	var key string
	var sk SortKey
	if v, ok := item[AttrPK].(*types.AttributeValueMemberS); ok {
		key = v.Value
	}
	if v, ok := item[AttrSK].(*types.AttributeValueMemberS); ok {
		sk = SortKey(v.Value)
	}
	return key, sk
}

// versionAttribute names the attribute an update is gated on.
func versionAttribute(sk SortKey) string {
	if sk == SortKeySequence {
		return AttrSequenceNumber
	}
	return AttrSCN
}
