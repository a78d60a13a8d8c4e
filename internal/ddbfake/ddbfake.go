// Package ddbfake is an in-memory stand-in for the DynamoDB operations the
// datastore uses. It supports conditional puts, transactions of conditional
// puts, sparse global secondary indexes with projections, and paginated
// queries with filters. It is meant for tests only.
package ddbfake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// Index describes a global secondary index. A nil Projected projects every
// attribute. Otherwise only the key attributes and those listed are kept.
type Index struct {
	Name         string
	PartitionKey string
	SortKey      string
	Projected    []string
}

// Option configures a Client.
type Option func(*Client)

// WithIndex adds a global secondary index.
func WithIndex(idx Index) Option {
	return func(c *Client) { c.indexes[idx.Name] = idx }
}

// WithPageSize caps the number of items each query page reads.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// Client holds one table in memory. It is safe for concurrent use.
type Client struct {
	hashKey  string
	rangeKey string
	indexes  map[string]Index
	pageSize int

	// mu is held exclusively by transactions and shared by single item
	// operations, which rely on per key atomicity of the item map.
	mu    sync.RWMutex
	items *xsync.MapOf[string, Item]
	calls *xsync.MapOf[string, *xsync.Counter]

	faultMu sync.Mutex
	fault   func(op string) error
}

// New creates an empty table keyed by hashKey and rangeKey.
func New(hashKey, rangeKey string, opts ...Option) *Client {
	c := &Client{
		hashKey:  hashKey,
		rangeKey: rangeKey,
		indexes:  make(map[string]Index),
		items:    xsync.NewMapOf[string, Item](),
		calls:    xsync.NewMapOf[string, *xsync.Counter](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetFault makes every later operation call fn first and fail with the
// error it returns. A nil fn clears the fault.
func (c *Client) SetFault(fn func(op string) error) {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	c.fault = fn
}

// Calls returns how many times op ("GetItem", "Query", ...) was invoked.
func (c *Client) Calls(op string) int64 {
	if n, ok := c.calls.Load(op); ok {
		return n.Value()
	}
	return 0
}

// Len returns the number of stored items.
func (c *Client) Len() int {
	return c.items.Size()
}

// Raw returns a copy of the stored item, or nil.
func (c *Client) Raw(hash, rng string) Item {
	item, ok := c.items.Load(storageKey(hash, rng))
	if !ok {
		return nil
	}
	return clone(item)
}

// PutRaw stores an item as is, bypassing conditions.
func (c *Client) PutRaw(item Item) error {
	key, err := c.keyOf(item)
	if err != nil {
		return err
	}
	c.items.Store(key, clone(item))
	return nil
}

func (c *Client) begin(op string) error {
	counter, _ := c.calls.LoadOrCompute(op, xsync.NewCounter)
	counter.Inc()

	c.faultMu.Lock()
	fault := c.fault
	c.faultMu.Unlock()
	if fault != nil {
		return fault(op)
	}
	return nil
}

func (c *Client) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if err := c.begin("GetItem"); err != nil {
		return nil, err
	}
	key, err := c.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items.Load(key)
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: clone(item)}, nil
}

func (c *Client) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := c.begin("PutItem"); err != nil {
		return nil, err
	}
	key, err := c.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	cond, err := Parse(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	failed := false
	c.items.Compute(key, func(old Item, loaded bool) (Item, bool) {
		current := old
		if !loaded {
			current = Item{}
		}
		if !cond(current) {
			failed = true
			return old, !loaded
		}
		return clone(in.Item), false
	})
	if failed {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (c *Client) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if err := c.begin("DeleteItem"); err != nil {
		return nil, err
	}
	key, err := c.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.items.Delete(key)
	return &dynamodb.DeleteItemOutput{}, nil
}

// TransactWriteItems applies conditional puts all or nothing.
func (c *Client) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if err := c.begin("TransactWriteItems"); err != nil {
		return nil, err
	}

	type write struct {
		key  string
		item Item
	}
	writes := make([]write, 0, len(in.TransactItems))
	conds := make([]func(Item) bool, 0, len(in.TransactItems))
	for i, ti := range in.TransactItems {
		if ti.Put == nil {
			return nil, fmt.Errorf("ddbfake: transact item %d: only Put is supported", i)
		}
		key, err := c.keyOf(ti.Put.Item)
		if err != nil {
			return nil, err
		}
		cond, err := Parse(aws.ToString(ti.Put.ConditionExpression), ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		writes = append(writes, write{key, ti.Put.Item})
		conds = append(conds, cond)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	reasons := make([]types.CancellationReason, len(writes))
	cancelled := false
	for i, w := range writes {
		current, ok := c.items.Load(w.key)
		if !ok {
			current = Item{}
		}
		code := "None"
		if !conds[i](current) {
			code = "ConditionalCheckFailed"
			cancelled = true
		}
		reasons[i] = types.CancellationReason{Code: aws.String(code)}
	}
	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, w := range writes {
		c.items.Store(w.key, clone(w.item))
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// Query reads the table or an index. Items lacking the index key
// attributes are not in the index. Each page reads at most Limit items (or
// the configured page size) before the filter is applied, as DynamoDB does.
func (c *Client) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if err := c.begin("Query"); err != nil {
		return nil, err
	}

	idx := Index{PartitionKey: c.hashKey, SortKey: c.rangeKey}
	if name := aws.ToString(in.IndexName); name != "" {
		var ok bool
		if idx, ok = c.indexes[name]; !ok {
			return nil, fmt.Errorf("ddbfake: unknown index %q", name)
		}
	}

	keyCond, err := Parse(aws.ToString(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, fmt.Errorf("key condition: %w", err)
	}
	filter, err := Parse(aws.ToString(in.FilterExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	c.mu.RLock()
	var matched []Item
	c.items.Range(func(_ string, item Item) bool {
		if _, ok := item[idx.PartitionKey]; !ok {
			return true
		}
		if idx.SortKey != "" {
			if _, ok := item[idx.SortKey]; !ok {
				return true
			}
		}
		if keyCond(item) {
			matched = append(matched, item)
		}
		return true
	})
	c.mu.RUnlock()

	order := c.orderKeys(idx)
	slices.SortFunc(matched, func(a, b Item) int { return compareKeys(a, b, order) })
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		slices.Reverse(matched)
	}

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		start = len(matched)
		for i, item := range matched {
			n := compareKeys(item, in.ExclusiveStartKey, order)
			if in.ScanIndexForward != nil && !*in.ScanIndexForward {
				n = -n
			}
			if n > 0 {
				start = i
				break
			}
		}
	}

	n := len(matched) - start
	if limit := int(aws.ToInt32(in.Limit)); limit > 0 && limit < n {
		n = limit
	}
	if c.pageSize > 0 && c.pageSize < n {
		n = c.pageSize
	}
	page := matched[start : start+n]

	out := &dynamodb.QueryOutput{ScannedCount: int32(len(page))}
	for _, item := range page {
		if filter(item) {
			out.Items = append(out.Items, project(item, idx, c.hashKey, c.rangeKey))
		}
	}
	out.Count = int32(len(out.Items))
	if start+n < len(matched) && n > 0 {
		out.LastEvaluatedKey = keyAttributes(page[n-1], order)
	}
	return out, nil
}

// orderKeys lists the attributes that order an index: its own keys, then
// the table keys to break ties.
func (c *Client) orderKeys(idx Index) []string {
	keys := []string{idx.PartitionKey}
	if idx.SortKey != "" {
		keys = append(keys, idx.SortKey)
	}
	for _, k := range []string{c.hashKey, c.rangeKey} {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}
	return keys
}

func compareKeys(a, b Item, order []string) int {
	for _, k := range order {
		av, aok := a[k]
		bv, bok := b[k]
		switch {
		case !aok && !bok:
			continue
		case !aok:
			return -1
		case !bok:
			return 1
		}
		if n, ok := Compare(av, bv); ok && n != 0 {
			return n
		}
	}
	return 0
}

func keyAttributes(item Item, order []string) Item {
	key := make(Item, len(order))
	for _, k := range order {
		if v, ok := item[k]; ok {
			key[k] = v
		}
	}
	return key
}

func project(item Item, idx Index, hashKey, rangeKey string) Item {
	if idx.Projected == nil {
		return clone(item)
	}
	keep := append([]string{hashKey, rangeKey, idx.PartitionKey, idx.SortKey}, idx.Projected...)
	out := make(Item, len(keep))
	for _, k := range keep {
		if v, ok := item[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (c *Client) keyOf(item Item) (string, error) {
	hash, ok := item[c.hashKey].(*types.AttributeValueMemberS)
	if !ok || hash.Value == "" {
		return "", fmt.Errorf("ddbfake: missing string key attribute %q", c.hashKey)
	}
	rng, ok := item[c.rangeKey].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("ddbfake: missing string key attribute %q", c.rangeKey)
	}
	return storageKey(hash.Value, rng.Value), nil
}

func storageKey(hash, rng string) string {
	return hash + "\x00" + rng
}

func clone(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
