package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

var (
	testNow       = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newTestHandler(onExpired func(context.Context, ExpiredItem) error) *ExpiryHandler {
	h := NewExpiryHandler(discardLogger, onExpired)
	h.now = func() time.Time { return testNow }
	return h
}

func ttlIdentity() *events.DynamoDBUserIdentity {
	return &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "dynamodb.amazonaws.com"}
}

func removeRecord(key, sk string, expireAt int64, identity *events.DynamoDBUserIdentity) events.DynamoDBEventRecord {
	keys := map[string]events.DynamoDBAttributeValue{
		"pk": events.NewStringAttribute(key),
		"sk": events.NewStringAttribute(sk),
	}
	old := map[string]events.DynamoDBAttributeValue{
		"pk":       events.NewStringAttribute(key),
		"sk":       events.NewStringAttribute(sk),
		"expireAt": events.NewNumberAttribute(strconv.FormatInt(expireAt, 10)),
	}
	return events.DynamoDBEventRecord{
		EventID:      "event-" + key,
		EventName:    "REMOVE",
		UserIdentity: identity,
		Change: events.DynamoDBStreamRecord{
			Keys:     keys,
			OldImage: old,
		},
	}
}

// --- Attribute Helper Tests ---

func TestGetStringAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"name":   events.NewStringAttribute("R1"),
		"number": events.NewNumberAttribute("7"),
	}

	tests := []struct {
		name     string
		image    map[string]events.DynamoDBAttributeValue
		key      string
		expected string
	}{
		{"existing", image, "name", "R1"},
		{"missing", image, "other", ""},
		{"not a string", image, "number", ""},
		{"nil image", nil, "name", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getStringAttr(tt.image, tt.key); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestGetNumberAttr(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"expireAt": events.NewNumberAttribute("1710498600"),
		"negative": events.NewNumberAttribute("-5"),
		"decimal":  events.NewNumberAttribute("1.5"),
		"text":     events.NewStringAttribute("1710498600"),
	}

	tests := []struct {
		key      string
		expected int64
	}{
		{"expireAt", 1710498600},
		{"negative", -5},
		{"decimal", 0},
		{"text", 0},
		{"missing", 0},
	}

	for _, tt := range tests {
		if got := getNumberAttr(image, tt.key); got != tt.expected {
			t.Errorf("getNumberAttr(%q) = %d, want %d", tt.key, got, tt.expected)
		}
	}
}

func TestRemovedByTTL(t *testing.T) {
	tests := []struct {
		name     string
		identity *events.DynamoDBUserIdentity
		expected bool
	}{
		{"ttl service", ttlIdentity(), true},
		{"no identity", nil, false},
		{"other principal", &events.DynamoDBUserIdentity{Type: "Service", PrincipalID: "lambda.amazonaws.com"}, false},
		{"user", &events.DynamoDBUserIdentity{Type: "User", PrincipalID: "dynamodb.amazonaws.com"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := events.DynamoDBEventRecord{UserIdentity: tt.identity}
			if got := removedByTTL(record); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

// --- Record Processing Tests ---

func TestProcessRecord_SkipsOtherEvents(t *testing.T) {
	called := false
	h := newTestHandler(func(context.Context, ExpiredItem) error {
		called = true
		return nil
	})

	for _, name := range []string{"INSERT", "MODIFY"} {
		record := removeRecord("R1", "REC", testNow.Unix()-1, ttlIdentity())
		record.EventName = name
		ok, err := h.processRecord(context.Background(), record)
		if err != nil || ok {
			t.Errorf("%s: expected skip, got %v, %v", name, ok, err)
		}
	}
	if called {
		t.Error("callback should not be called for non-REMOVE events")
	}
}

func TestProcessRecord_ExpiryDetection(t *testing.T) {
	past := testNow.Unix() - 60
	future := testNow.Unix() + 3600

	tests := []struct {
		name     string
		record   events.DynamoDBEventRecord
		expected bool
		byTTL    bool
	}{
		{"ttl delete", removeRecord("R1", "REC", past, ttlIdentity()), true, true},
		{"ttl delete before expiry time", removeRecord("R1", "REC", future, ttlIdentity()), true, true},
		{"manual delete of expired item", removeRecord("R1", "REC", past, nil), true, false},
		{"manual delete of live item", removeRecord("R1", "REC", future, nil), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []ExpiredItem
			h := newTestHandler(func(_ context.Context, item ExpiredItem) error {
				got = append(got, item)
				return nil
			})

			ok, err := h.processRecord(context.Background(), tt.record)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.expected {
				t.Fatalf("expected expired=%v, got %v", tt.expected, ok)
			}
			if !tt.expected {
				if len(got) != 0 {
					t.Errorf("expected no callback, got %v", got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("expected 1 callback, got %d", len(got))
			}
			if got[0].Key != "R1" || got[0].SortKey != "REC" {
				t.Errorf("unexpected key %q %q", got[0].Key, got[0].SortKey)
			}
			if got[0].ByTTL != tt.byTTL {
				t.Errorf("expected ByTTL=%v, got %v", tt.byTTL, got[0].ByTTL)
			}
			if got[0].ExpireAt == 0 {
				t.Error("expected expireAt from the old image")
			}
		})
	}
}

func TestProcessRecord_MissingKey(t *testing.T) {
	h := newTestHandler(nil)
	record := removeRecord("R1", "REC", 1, ttlIdentity())
	delete(record.Change.Keys, "pk")

	if _, err := h.processRecord(context.Background(), record); err == nil {
		t.Fatal("expected error for a record without a partition key")
	}
}

func TestHandleRemovals_StopsOnCallbackError(t *testing.T) {
	boom := errors.New("downstream unavailable")
	var seen []string
	h := newTestHandler(func(_ context.Context, item ExpiredItem) error {
		seen = append(seen, item.Key)
		if item.Key == "R2" {
			return boom
		}
		return nil
	})

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		removeRecord("R1", "REC", 1, ttlIdentity()),
		removeRecord("R2", "DOC", 1, ttlIdentity()),
		removeRecord("R3", "WRK", 1, ttlIdentity()),
	}}

	err := h.HandleRemovals(context.Background(), event)
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("expected processing to stop after R2, saw %v", seen)
	}
}

func TestHandleRemovals_MixedBatch(t *testing.T) {
	var keys []string
	h := newTestHandler(func(_ context.Context, item ExpiredItem) error {
		keys = append(keys, item.Key)
		return nil
	})

	insert := removeRecord("R0", "REC", 1, nil)
	insert.EventName = "INSERT"
	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		insert,
		removeRecord("R1", "REC", 1, ttlIdentity()),
		removeRecord("R2", "REC", testNow.Unix()+60, nil),
		removeRecord("R3", "CLM", 1, nil),
	}}

	if err := h.HandleRemovals(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 2 || keys[0] != "R1" || keys[1] != "R3" {
		t.Errorf("expected [R1 R3], got %v", keys)
	}
}
