package store

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// InsertWorkList stores the worklist of a message, replacing any stored
// before. Without an index it is indexed by the current time.
func (s *Store) InsertWorkList(ctx context.Context, messageID string, workList map[string]any, index map[string][]string) error {
	body, err := EncodeBody(SortKeyWorkList, workList)
	if err != nil {
		s.log(ctx).Error("encoding worklist failed", "messageID", messageID, "error", err)
		return err
	}
	if index == nil {
		index = map[string][]string{
			IndexWorkListDate: {s.now().UTC().Format(dateTimeFormat)},
		}
	}

	item := map[string]types.AttributeValue{
		AttrPK:       stringAttr(messageID),
		AttrSK:       stringAttr(string(SortKeyWorkList)),
		AttrBody:     body,
		AttrIndexes:  BuildIndexAttribute(index).attributeValue(),
		AttrExpireAt: intAttr(s.expireAfterDays(s.config.WorkListExpiryDays)),
	}
	return s.Overwrite(ctx, item)
}

// GetWorkList returns the worklist of a message with its XML decompressed,
// or nil when there is none.
func (s *Store) GetWorkList(ctx context.Context, messageID string) (map[string]any, error) {
	item, err := s.GetItem(ctx, messageID, SortKeyWorkList, ReadOptions{ExpectNone: true})
	if err != nil || item == nil {
		return nil, err
	}
	body, err := DecodeBody(SortKeyWorkList, item.Raw[AttrBody], false)
	if err != nil {
		return nil, s.keyError(messageID, SortKeyWorkList, err)
	}
	return body, nil
}
