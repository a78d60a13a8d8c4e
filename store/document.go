package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// NotificationPrefix starts the key of every claim notification document.
const NotificationPrefix = "Notification_"

// docRefTitleClaimNotification marks documents whose payload is stored and
// returned as is.
const docRefTitleClaimNotification = "ClaimNotification"

// InsertDocument stores a document under key, replacing any document already
// there. A base64 content field is stored as binary and must be strict
// base64. When index is supplied its store time term sets the document's
// title and store time, and its backstop delete date sets the expiry.
func (s *Store) InsertDocument(ctx context.Context, key string, document map[string]any, index map[string][]string) error {
	item, err := s.DocumentItem(key, document, index)
	if err != nil {
		s.log(ctx).Error("building document failed", "key", key, "error", err)
		return err
	}
	return s.Overwrite(ctx, item)
}

// DocumentItem builds the stored form of a document without writing it.
func (s *Store) DocumentItem(key string, document map[string]any, index map[string][]string) (map[string]types.AttributeValue, error) {
	body, err := EncodeBody(SortKeyDocument, document)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", key, err)
	}

	terms := BuildIndexAttribute(index)
	expireAt, err := s.documentExpireAt(terms)
	if err != nil {
		return nil, fmt.Errorf("document %q: %w", key, err)
	}

	item := map[string]types.AttributeValue{
		AttrPK:       stringAttr(key),
		AttrSK:       stringAttr(string(SortKeyDocument)),
		AttrBody:     body,
		AttrIndexes:  terms.attributeValue(),
		AttrExpireAt: intAttr(expireAt),
	}

	if term, ok := terms.First(IndexStoreTimeDocRefTitle); ok {
		title, storeTime, found := strings.Cut(term, "_")
		if !found {
			return nil, fmt.Errorf("document %q: store time term %q has no separator", key, term)
		}
		item[AttrDocRefTitle] = stringAttr(title)
		item[AttrStoreTime] = stringAttr(storeTime)
		if title == docRefTitleClaimNotification && len(storeTime) >= len(dateFormat) {
			item[AttrClaimNotificationStoreDate] = stringAttr(storeTime[:len(dateFormat)])
		}
	}
	if deleteDate, ok := terms.First(IndexDeleteDate); ok {
		item[AttrBackstopDeleteDate] = stringAttr(deleteDate)
	}
	return item, nil
}

// GetDocument returns the document stored under key. A document stored
// without a body is returned as nil. A missing document is an ErrNotFound
// failure when expectExists is set and nil otherwise.
func (s *Store) GetDocument(ctx context.Context, key string, expectExists bool) (map[string]any, error) {
	item, err := s.GetItem(ctx, key, SortKeyDocument, ReadOptions{ExpectExists: expectExists, ExpectNone: true})
	if err != nil || item == nil {
		return nil, err
	}

	passThrough := strings.EqualFold(item.String(AttrDocRefTitle), docRefTitleClaimNotification)
	body, err := DecodeBody(SortKeyDocument, item.Raw[AttrBody], passThrough)
	if err != nil {
		s.log(ctx).Error("decoding document failed", "key", key, "error", err)
		return nil, s.keyError(key, SortKeyDocument, err)
	}
	return body, nil
}

// DeleteDocument removes the document stored under key and reports whether
// there was one. Notification documents are left alone, and reported as
// deleted, unless deleteNotification is set.
func (s *Store) DeleteDocument(ctx context.Context, key string, deleteNotification bool) (bool, error) {
	logger := s.log(ctx)
	if !deleteNotification && strings.HasPrefix(strings.ToLower(key), strings.ToLower(NotificationPrefix)) {
		return true, nil
	}

	exists, err := s.ItemExists(ctx, key, SortKeyDocument, false)
	if err != nil {
		return false, err
	}
	if !exists {
		logger.Info("document to delete not found", "documentRef", key)
		return false, nil
	}

	logger.Info("deleting document", "documentRef", key)
	if err := s.DeleteItem(ctx, key, SortKeyDocument); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteClaimNotification removes the notification document of a claim.
func (s *Store) DeleteClaimNotification(ctx context.Context, claimID string) error {
	if err := s.DeleteItem(ctx, NotificationPrefix+claimID, SortKeyDocument); err != nil {
		s.log(ctx).Error("deleting claim notification failed", "claimID", claimID, "error", err)
		return err
	}
	return nil
}
