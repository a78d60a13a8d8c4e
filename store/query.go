package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// QueryInput defines parameters for querying the table or an index.
type QueryInput struct {
	// IndexName is the GSI to query. Empty queries the table itself.
	IndexName string

	// KeyCondition selects the partition key value and, optionally, a
	// sort key range.
	KeyCondition Condition

	// Filter is applied to items after they are read.
	Filter Condition

	// Limit is the maximum number of items to return (0 = no limit).
	Limit int32

	// Descending returns items in descending sort key order.
	Descending bool
}

// Query lazily pages through the results of one query. It is single pass
// and not safe for concurrent use.
type Query struct {
	store     *Store
	input     QueryInput
	paginator *dynamodb.QueryPaginator
	err       error

	page     []map[string]types.AttributeValue
	pos      int
	returned int
	lastPage bool
	complete bool
}

// NewQuery prepares a query. No request is made until Next is called.
func (s *Store) NewQuery(in QueryInput) *Query {
	q := &Query{store: s, input: in}

	expr := newExpression()
	keyExpr, err := expr.render(in.KeyCondition)
	if err != nil {
		q.err = fmt.Errorf("key condition: %w", err)
		return q
	}

	params := &dynamodb.QueryInput{
		TableName:              aws.String(s.config.TableName),
		KeyConditionExpression: aws.String(keyExpr),
	}
	if !in.Filter.IsZero() {
		filterExpr, err := expr.render(in.Filter)
		if err != nil {
			q.err = fmt.Errorf("filter: %w", err)
			return q
		}
		params.FilterExpression = aws.String(filterExpr)
	}
	params.ExpressionAttributeNames = expr.names
	params.ExpressionAttributeValues = expr.values

	if in.IndexName != "" {
		params.IndexName = aws.String(in.IndexName)
	}
	if in.Limit > 0 {
		params.Limit = aws.Int32(in.Limit)
	}
	if in.Descending {
		params.ScanIndexForward = aws.Bool(false)
	}

	q.paginator = dynamodb.NewQueryPaginator(s.client, params)
	return q
}

// Next returns the next matching item, fetching another page when the
// current one is used up. It returns Done once the results or the limit
// are exhausted. Fetch errors are returned as they occur and are not
// retried.
func (q *Query) Next(ctx context.Context) (*Item, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.input.Limit > 0 && q.returned >= int(q.input.Limit) {
		return nil, Done
	}

	for q.pos >= len(q.page) {
		if q.lastPage || !q.paginator.HasMorePages() {
			q.complete = true
			return nil, Done
		}

		out, err := q.paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.source(), err)
		}
		q.page, q.pos = out.Items, 0
		q.lastPage = len(out.LastEvaluatedKey) == 0

		q.store.metrics.page(len(out.Items))
		q.store.log(ctx).Info("query page fetched",
			"index", q.source(),
			"itemCount", len(out.Items),
			"hasLastEvaluatedKey", !q.lastPage,
		)
	}

	raw := q.page[q.pos]
	q.pos++
	q.returned++
	if q.lastPage && q.pos >= len(q.page) {
		q.complete = true
	}
	return unmarshalItem(raw), nil
}

// IsComplete reports whether the last page has been reached and every
// item on it returned. It is false when iteration stopped at the limit
// with results remaining.
func (q *Query) IsComplete() bool {
	return q.complete
}

// All iterates over the remaining items. Iteration stops after the first
// error, which is yielded with a nil item.
func (q *Query) All(ctx context.Context) iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		for {
			item, err := q.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// Collect returns all remaining items.
func (q *Query) Collect(ctx context.Context) ([]*Item, error) {
	var items []*Item
	for item, err := range q.All(ctx) {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (q *Query) source() string {
	if q.input.IndexName == "" {
		return q.store.config.TableName
	}
	return q.input.IndexName
}
