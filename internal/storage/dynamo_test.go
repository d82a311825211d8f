package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/starford/dyad/internal/apperr"
)

// fakeDynamo evaluates exactly the expressions Dynamo issues.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func keyOf(key map[string]types.AttributeValue) string {
	return key["pk"].(*types.AttributeValueMemberS).Value
}

func numberOf(av types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(av.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

func (f *fakeDynamo) table(name string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[name]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		f.tables[name] = t
	}
	return t
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(*in.TableName)[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tbl := f.table(*in.TableName)
	pk := keyOf(in.Key)
	cur, exists := tbl[pk]

	switch aws.ToString(in.ConditionExpression) {
	case "attribute_not_exists(pk)":
		if exists {
			return nil, conditionFailed()
		}
	case "#version = :expected":
		if !exists || numberOf(cur["version"]) != numberOf(in.ExpressionAttributeValues[":expected"]) {
			return nil, conditionFailed()
		}
	}

	var version int64
	if exists {
		version = numberOf(cur["version"])
	}
	version++
	tbl[pk] = map[string]types.AttributeValue{
		"pk":         &types.AttributeValueMemberS{Value: pk},
		"value":      in.ExpressionAttributeValues[":value"],
		"updated_at": in.ExpressionAttributeValues[":now"],
		"version":    &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"version": tbl[pk]["version"],
	}}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tbl := f.table(*in.TableName)
	pk := keyOf(in.Key)
	if _, ok := tbl[pk]; !ok {
		return nil, conditionFailed()
	}
	delete(tbl, pk)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := ""
	if p, ok := in.ExpressionAttributeValues[":prefix"]; ok {
		prefix = p.(*types.AttributeValueMemberS).Value
	}
	out := &dynamodb.ScanOutput{}
	for pk, item := range f.table(*in.TableName) {
		if strings.HasPrefix(pk, prefix) {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func TestDynamoPutGet(t *testing.T) {
	fake := newFakeDynamo()
	d := NewDynamo(fake, "dyad_")
	ctx := context.Background()

	v, err := d.Put(ctx, "page", "page:1", []byte(`{"a":1}`), 0)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
	if _, ok := fake.tables["dyad_page"]; !ok {
		t.Error("table name not prefixed")
	}
	item, err := d.Get(ctx, "page", "page:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(item.Value) != `{"a":1}` || item.Version != 1 {
		t.Errorf("item = %+v", item)
	}
}

func TestDynamoConditionalWrites(t *testing.T) {
	d := NewDynamo(newFakeDynamo(), "")
	ctx := context.Background()

	if _, err := d.Put(ctx, "page", "k", []byte(`{}`), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Put(ctx, "page", "k", []byte(`{}`), 0); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate create err = %v, want ErrConflict", err)
	}
	if _, err := d.Put(ctx, "page", "k", []byte(`{}`), 7); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}
	v, err := d.Put(ctx, "page", "k", []byte(`{}`), AnyVersion)
	if err != nil || v != 2 {
		t.Errorf("unconditional put = %d, %v", v, err)
	}
}

func TestDynamoGetDeleteMissing(t *testing.T) {
	d := NewDynamo(newFakeDynamo(), "")
	ctx := context.Background()
	if _, err := d.Get(ctx, "page", "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := d.Delete(ctx, "page", "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Delete err = %v, want ErrNotFound", err)
	}
}

func TestDynamoList(t *testing.T) {
	d := NewDynamo(newFakeDynamo(), "")
	ctx := context.Background()
	for _, k := range []string{"page:1", "page:2", "user:1"} {
		if _, err := d.Put(ctx, "page", k, []byte(`{}`), AnyVersion); err != nil {
			t.Fatal(err)
		}
	}
	metas, err := d.List(ctx, "page", "page:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 {
		t.Errorf("len = %d, want 2", len(metas))
	}
	for _, m := range metas {
		if m.Checksum == "" || m.UpdatedAt.IsZero() {
			t.Errorf("incomplete meta: %+v", m)
		}
	}
}

func TestDynamoNamespace(t *testing.T) {
	d := NewDynamo(nil, "dyad_")
	if ns, ok := d.Namespace("dyad_page"); !ok || ns != "page" {
		t.Errorf("Namespace = %q, %v", ns, ok)
	}
	if _, ok := d.Namespace("other_page"); ok {
		t.Error("foreign table accepted")
	}
}

func TestDocumentsOverDynamo(t *testing.T) {
	docs := NewDocuments(NewDynamo(newFakeDynamo(), ""), nil).WithPrincipal("alice")
	ctx := context.Background()
	if _, err := docs.Put(ctx, "PAGE", "1", map[string]any{"url": "https://x"}); err != nil {
		t.Fatal(err)
	}
	if err := docs.ListAdd(ctx, "keys", "alice", "h1"); err != nil {
		t.Fatal(err)
	}
	doc, err := docs.Get(ctx, "PAGE", "1")
	if err != nil || doc.Data["url"] != "https://x" {
		t.Errorf("Get = %+v, %v", doc, err)
	}
}
