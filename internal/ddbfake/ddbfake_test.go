package ddbfake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func TestParse(t *testing.T) {
	item := Item{
		"pk":     s("a"),
		"sk":     s("REC"),
		"scn":    n("3"),
		"status": s("0001#0002"),
		"ids":    &types.AttributeValueMemberL{Value: []types.AttributeValue{s("c1"), s("c2")}},
	}
	values := map[string]types.AttributeValue{
		":three": n("3"),
		":two":   n("2.0"),
		":five":  n("5"),
		":st":    s("0002"),
		":c2":    s("c2"),
		":c9":    s("c9"),
		":pre":   s("00"),
	}
	names := map[string]string{"#scn": "scn", "#ids": "ids"}

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"attribute_exists(pk)", true},
		{"attribute_not_exists(pk) AND attribute_not_exists(sk)", false},
		{"attribute_not_exists(other)", true},
		{"#scn = :three", true},
		{"#scn <> :three", false},
		{"#scn > :two", true},
		{"#scn >= :five", false},
		{"#scn BETWEEN :two AND :five", true},
		{"#scn BETWEEN :two AND :five AND pk = :st", false},
		{"contains(status, :st)", true},
		{"contains(#ids, :c2)", true},
		{"contains(#ids, :c9)", false},
		{"NOT (contains(#ids, :c9))", true},
		{"begins_with(status, :pre)", true},
		{"#scn = :two OR #scn = :three", true},
		{"(#scn = :two OR #scn = :five) AND attribute_exists(pk)", false},
		{"#scn IN (:two, :three)", true},
		{"missing = :three", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := Parse(tt.expr, names, values)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := cond(item); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"#missing = :three",
		"scn = :missing",
		"scn ! :three",
		"scn BETWEEN :three",
		"attribute_exists(a, b)",
		"(scn = :three",
	}
	values := map[string]types.AttributeValue{":three": n("3")}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if _, err := Parse(expr, nil, values); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPutItem_Condition(t *testing.T) {
	ctx := context.Background()
	c := New("pk", "sk")
	in := &dynamodb.PutItemInput{
		Item:                Item{"pk": s("a"), "sk": s("DOC")},
		ConditionExpression: aws.String("attribute_not_exists(pk) AND attribute_not_exists(sk)"),
	}

	if _, err := c.PutItem(ctx, in); err != nil {
		t.Fatalf("first put: %v", err)
	}
	_, err := c.PutItem(ctx, in)
	var condErr *types.ConditionalCheckFailedException
	if !errors.As(err, &condErr) {
		t.Fatalf("expected ConditionalCheckFailedException, got %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 item, got %d", c.Len())
	}
}

func TestPutItem_FailedConditionOnMissingItemStoresNothing(t *testing.T) {
	c := New("pk", "sk")
	_, err := c.PutItem(context.Background(), &dynamodb.PutItemInput{
		Item:                      Item{"pk": s("a"), "sk": s("REC"), "scn": n("2")},
		ConditionExpression:       aws.String("#v = :v"),
		ExpressionAttributeNames:  map[string]string{"#v": "scn"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": n("1")},
	})
	if err == nil {
		t.Fatal("expected condition failure")
	}
	if c.Len() != 0 {
		t.Errorf("expected empty table, got %d items", c.Len())
	}
}

func TestPutItem_ConcurrentInsertsOneWins(t *testing.T) {
	c := New("pk", "sk")
	const writers = 32

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.PutItem(context.Background(), &dynamodb.PutItemInput{
				Item:                Item{"pk": s("a"), "sk": s("REC")},
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 successful insert, got %d", wins)
	}
}

func TestTransactWriteItems_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := New("pk", "sk")
	if err := c.PutRaw(Item{"pk": s("b"), "sk": s("DOC")}); err != nil {
		t.Fatal(err)
	}

	put := func(pk string) types.TransactWriteItem {
		return types.TransactWriteItem{Put: &types.Put{
			Item:                Item{"pk": s(pk), "sk": s("DOC")},
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		}}
	}
	_, err := c.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{put("a"), put("b"), put("c")},
	})

	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		t.Fatalf("expected TransactionCanceledException, got %v", err)
	}
	if code := aws.ToString(txErr.CancellationReasons[1].Code); code != "ConditionalCheckFailed" {
		t.Errorf("expected reason ConditionalCheckFailed for item 1, got %q", code)
	}
	if c.Raw("a", "DOC") != nil || c.Raw("c", "DOC") != nil {
		t.Error("expected no items written by a cancelled transaction")
	}
}

func TestQuery_IndexPaginationAndProjection(t *testing.T) {
	ctx := context.Background()
	c := New("pk", "sk",
		WithPageSize(3),
		WithIndex(Index{Name: "byOrg", PartitionKey: "org", SortKey: "created", Projected: []string{"status"}}),
	)
	for i := 0; i < 10; i++ {
		item := Item{
			"pk":      s(fmt.Sprintf("r%02d", i)),
			"sk":      s("REC"),
			"org":     s("X"),
			"created": s(fmt.Sprintf("2024%02d", i)),
			"status":  s("0001"),
			"body":    s("hidden"),
		}
		if err := c.PutRaw(item); err != nil {
			t.Fatal(err)
		}
	}
	// Not in the index: no sort key attribute.
	if err := c.PutRaw(Item{"pk": s("sparse"), "sk": s("REC"), "org": s("X")}); err != nil {
		t.Fatal(err)
	}

	params := &dynamodb.QueryInput{
		IndexName:                 aws.String("byOrg"),
		KeyConditionExpression:    aws.String("org = :org"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":org": s("X")},
	}
	p := dynamodb.NewQueryPaginator(c, params)

	var keys []string
	pages := 0
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			t.Fatal(err)
		}
		pages++
		for _, item := range out.Items {
			if _, ok := item["body"]; ok {
				t.Error("expected body to be projected out")
			}
			keys = append(keys, item["pk"].(*types.AttributeValueMemberS).Value)
		}
	}

	if len(keys) != 10 {
		t.Fatalf("expected 10 items, got %d: %v", len(keys), keys)
	}
	for i, k := range keys {
		if want := fmt.Sprintf("r%02d", i); k != want {
			t.Errorf("item %d: expected %s, got %s", i, want, k)
		}
	}
	if pages != 4 {
		t.Errorf("expected 4 pages, got %d", pages)
	}
}

func TestQuery_Descending(t *testing.T) {
	c := New("pk", "sk")
	for _, sk := range []string{"a", "b", "c"} {
		if err := c.PutRaw(Item{"pk": s("p"), "sk": s(sk)}); err != nil {
			t.Fatal(err)
		}
	}
	out, err := c.Query(context.Background(), &dynamodb.QueryInput{
		KeyConditionExpression:    aws.String("pk = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":p": s("p")},
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Items) != 2 || out.Items[0]["sk"].(*types.AttributeValueMemberS).Value != "c" {
		t.Errorf("expected c then b, got %v", out.Items)
	}
	if len(out.LastEvaluatedKey) == 0 {
		t.Error("expected LastEvaluatedKey with items remaining")
	}
}

func TestFault(t *testing.T) {
	c := New("pk", "sk")
	boom := errors.New("boom")
	c.SetFault(func(op string) error {
		if op == "GetItem" {
			return boom
		}
		return nil
	})

	_, err := c.GetItem(context.Background(), &dynamodb.GetItemInput{Key: Item{"pk": s("a"), "sk": s("DOC")}})
	if !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if c.Calls("GetItem") != 1 {
		t.Errorf("expected 1 GetItem call, got %d", c.Calls("GetItem"))
	}
}
