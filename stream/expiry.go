// Package stream provides DynamoDB Streams handlers for the datastore table.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/NHSDigital/eps-spine-shared-sub000/store"
)

// ttlPrincipal is the identity DynamoDB uses for deletes made by the TTL
// service.
const ttlPrincipal = "dynamodb.amazonaws.com"

// ExpiredItem describes an item removed from the table after its expiry.
type ExpiredItem struct {
	Key      string
	SortKey  store.SortKey
	ExpireAt int64

	// ByTTL is set when the stream reports the TTL service as the deleter.
	ByTTL bool

	// Image is the item as it was before removal. It is empty when the
	// stream view does not include old images.
	Image map[string]types.AttributeValue
}

// ExpiryHandler reports TTL removals from a datastore stream.
type ExpiryHandler struct {
	logger    *slog.Logger
	onExpired func(context.Context, ExpiredItem) error
	now       func() time.Time
}

// NewExpiryHandler creates a handler. onExpired is called for every expired
// item and may be nil.
func NewExpiryHandler(logger *slog.Logger, onExpired func(context.Context, ExpiredItem) error) *ExpiryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryHandler{
		logger:    logger,
		onExpired: onExpired,
		now:       time.Now,
	}
}

// HandleRemovals processes a batch of stream records. It can be passed to
// lambda.Start directly. The first callback error stops the batch so the
// whole batch is retried.
func (h *ExpiryHandler) HandleRemovals(ctx context.Context, event events.DynamoDBEvent) error {
	expired := 0
	for _, record := range event.Records {
		ok, err := h.processRecord(ctx, record)
		if err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err
		}
		if ok {
			expired++
		}
	}
	h.logger.Debug("stream batch processed",
		"recordCount", len(event.Records),
		"expiredCount", expired,
	)
	return nil
}

// processRecord reports whether record is an expiry and passes it on.
func (h *ExpiryHandler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) (bool, error) {
	if record.EventName != "REMOVE" {
		return false, nil
	}

	image := ConvertStreamImage(record.Change.OldImage)
	byTTL := removedByTTL(record)
	if !byTTL && !store.IsExpired(image, h.now()) {
		return false, nil
	}

	item := ExpiredItem{
		Key:      getStringAttr(record.Change.Keys, store.AttrPK),
		SortKey:  store.SortKey(getStringAttr(record.Change.Keys, store.AttrSK)),
		ExpireAt: getNumberAttr(record.Change.OldImage, store.AttrExpireAt),
		ByTTL:    byTTL,
		Image:    image,
	}
	if item.Key == "" {
		return false, fmt.Errorf("stream record %s has no %s key", record.EventID, store.AttrPK)
	}

	h.logger.Info("item expired",
		"key", item.Key,
		"sortKey", item.SortKey,
		"expireAt", item.ExpireAt,
		"byTTL", item.ByTTL,
	)

	if h.onExpired != nil {
		if err := h.onExpired(ctx, item); err != nil {
			return false, fmt.Errorf("expired %s %s: %w", item.SortKey, item.Key, err)
		}
	}
	return true, nil
}

func removedByTTL(record events.DynamoDBEventRecord) bool {
	id := record.UserIdentity
	return id != nil && id.Type == "Service" && id.PrincipalID == ttlPrincipal
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getNumberAttr extracts an integer attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) int64 {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeNumber {
		n, _ := strconv.ParseInt(v.Number(), 10, 64)
		return n
	}
	return 0
}

// ConvertStreamKey converts a DynamoDB stream key to a store.PK.
func ConvertStreamKey(streamKey map[string]events.DynamoDBAttributeValue) store.PK {
	return store.PK(ConvertStreamImage(streamKey))
}

// ConvertStreamImage converts a stream image to SDK attribute values so it
// can be read with the store helpers.
func ConvertStreamImage(image map[string]events.DynamoDBAttributeValue) map[string]types.AttributeValue {
	result := make(map[string]types.AttributeValue, len(image))
	for k, v := range image {
		if av := convertAttribute(v); av != nil {
			result[k] = av
		}
	}
	return result
}

func convertAttribute(v events.DynamoDBAttributeValue) types.AttributeValue {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}
	case events.DataTypeList:
		list := make([]types.AttributeValue, 0, len(v.List()))
		for _, el := range v.List() {
			if av := convertAttribute(el); av != nil {
				list = append(list, av)
			}
		}
		return &types.AttributeValueMemberL{Value: list}
	case events.DataTypeMap:
		return &types.AttributeValueMemberM{Value: ConvertStreamImage(v.Map())}
	}
	return nil
}
