package store

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// PK represents a DynamoDB primary key.
type PK map[string]types.AttributeValue

// itemKey builds the primary key of the item stored under key and sk.
func itemKey(key string, sk SortKey) PK {
	return PK{
		AttrPK: &types.AttributeValueMemberS{Value: key},
		AttrSK: &types.AttributeValueMemberS{Value: string(sk)},
	}
}

// Item represents an item read from the table or one of its indexes.
type Item struct {
	// Raw is the raw DynamoDB item.
	Raw map[string]types.AttributeValue

	// Key is the partition key value.
	Key string

	// SortKey is the kind of item.
	SortKey SortKey

	// ExpireAt is the TTL in epoch seconds, or 0 when unset.
	ExpireAt int64

	// Indexes holds the stored index terms with lower-cased names.
	Indexes IndexTerms
}

// String returns a string attribute, or "" when absent.
func (i *Item) String(name string) string {
	if v, ok := i.Raw[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// Int returns a numeric attribute as an integer.
func (i *Item) Int(name string) (int64, bool) {
	v, ok := i.Raw[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v.Value, 64)
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	}
	return n, true
}

// unmarshalItem converts a DynamoDB item to an Item struct.
func unmarshalItem(raw map[string]types.AttributeValue) *Item {
	item := &Item{Raw: raw}

	if v, ok := raw[AttrPK].(*types.AttributeValueMemberS); ok {
		item.Key = v.Value
	}
	if v, ok := raw[AttrSK].(*types.AttributeValueMemberS); ok {
		item.SortKey = SortKey(v.Value)
	}
	if n, ok := item.Int(AttrExpireAt); ok {
		item.ExpireAt = n
	}
	if v, ok := raw[AttrIndexes]; ok {
		item.Indexes = indexTermsFromAttribute(v)
	}

	return item
}

func stringAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func intAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
