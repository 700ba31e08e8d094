package mock

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// MockDynamoDBClient keeps tables in memory. It understands the small
// expression subset the orchestrator uses: equality filters joined by AND
// and attribute_not_exists conditions.
type MockDynamoDBClient struct {
	mu sync.Mutex

	// Tables holds items per table name
	Tables map[string]*Table

	ScanErr    error
	PutItemErr error

	ScanCalls    int
	PutItemCalls int

	// PageSize splits Scan results to exercise pagination; 0 returns everything
	PageSize int
}

// Table is an in-memory table keyed by Key attributes
type Table struct {
	Key   []string
	Items []map[string]types.AttributeValue
}

// NewMockDynamoDBClient creates an empty mock
func NewMockDynamoDBClient() *MockDynamoDBClient {
	return &MockDynamoDBClient{Tables: make(map[string]*Table)}
}

// CreateTable registers a table with its key attributes
func (m *MockDynamoDBClient) CreateTable(name string, key ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tables[name] = &Table{Key: key}
}

// AddItem seeds a table, creating it keyed on every attribute if needed
func (m *MockDynamoDBClient) AddItem(table string, item map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tables[table]
	if !ok {
		t = &Table{}
		m.Tables[table] = t
	}
	t.Items = append(t.Items, item)
}

// Items returns a copy of a table's items
func (m *MockDynamoDBClient) Items(table string) []map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tables[table]
	if !ok {
		return nil
	}
	return append([]map[string]types.AttributeValue(nil), t.Items...)
}

func (m *MockDynamoDBClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ScanCalls++

	if m.ScanErr != nil {
		return nil, m.ScanErr
	}

	t, ok := m.Tables[*params.TableName]
	if !ok {
		return nil, resourceNotFound(*params.TableName)
	}

	filter := ""
	if params.FilterExpression != nil {
		filter = *params.FilterExpression
	}

	var matched []map[string]types.AttributeValue
	for _, item := range t.Items {
		ok, err := evalFilter(filter, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, item)
		}
	}

	start := 0
	if params.ExclusiveStartKey != nil {
		if n, ok := params.ExclusiveStartKey["_offset"].(*types.AttributeValueMemberN); ok {
			fmt.Sscanf(n.Value, "%d", &start)
		}
	}
	if start > len(matched) {
		start = len(matched)
	}

	out := &dynamodb.ScanOutput{}
	end := len(matched)
	if m.PageSize > 0 && start+m.PageSize < end {
		end = start + m.PageSize
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"_offset": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", end)},
		}
	}
	out.Items = matched[start:end]
	out.Count = int32(len(out.Items))
	out.ScannedCount = int32(len(t.Items))

	return out, nil
}

func (m *MockDynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutItemCalls++

	if m.PutItemErr != nil {
		return nil, m.PutItemErr
	}

	t, ok := m.Tables[*params.TableName]
	if !ok {
		return nil, resourceNotFound(*params.TableName)
	}

	idx := -1
	for i, existing := range t.Items {
		if len(t.Key) > 0 && sameKey(t.Key, existing, params.Item) {
			idx = i
			break
		}
	}

	if params.ConditionExpression != nil {
		var existing map[string]types.AttributeValue
		if idx >= 0 {
			existing = t.Items[idx]
		}
		if !evalCondition(*params.ConditionExpression, existing, params.ExpressionAttributeNames) {
			return nil, &smithy.GenericAPIError{
				Code:    "ConditionalCheckFailedException",
				Message: "The conditional request failed",
				Fault:   smithy.FaultClient,
			}
		}
	}

	if idx >= 0 {
		t.Items[idx] = params.Item
	} else {
		t.Items = append(t.Items, params.Item)
	}

	return &dynamodb.PutItemOutput{}, nil
}

// Helper functions

var (
	clauseRe    = regexp.MustCompile(`^\s*(\S+)\s*=\s*(\S+)\s*$`)
	notExistsRe = regexp.MustCompile(`^\s*attribute_not_exists\(\s*(\S+?)\s*\)\s*$`)
)

func evalFilter(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		match := clauseRe.FindStringSubmatch(clause)
		if match == nil {
			return false, fmt.Errorf("mock: unsupported filter clause %q", clause)
		}
		attr := resolveName(match[1], names)
		want, ok := values[match[2]]
		if !ok {
			return false, fmt.Errorf("mock: missing expression value %s", match[2])
		}
		if !equalValue(item[attr], want) {
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(expr string, existing map[string]types.AttributeValue, names map[string]string) bool {
	match := notExistsRe.FindStringSubmatch(expr)
	if match == nil {
		return true
	}
	if existing == nil {
		return true
	}
	_, present := existing[resolveName(match[1], names)]
	return !present
}

func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		if name, ok := names[token]; ok {
			return name
		}
	}
	return token
}

func sameKey(key []string, a, b map[string]types.AttributeValue) bool {
	for _, attr := range key {
		if !equalValue(a[attr], b[attr]) {
			return false
		}
	}
	return true
}

func equalValue(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func resourceNotFound(table string) error {
	return &types.ResourceNotFoundException{Message: stringPtr(fmt.Sprintf("table not found: %s", table))}
}

func stringPtr(s string) *string { return &s }
