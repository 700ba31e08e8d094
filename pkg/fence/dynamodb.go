package fence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
)

const (
	attrKey   = "fence_key"
	attrToken = "token"
	attrTTL   = "expires_at"
)

// DynamoDB fences with a conditional PutItem. expires_at is meant to be
// the table's TTL attribute so held keys age out.
type DynamoDB struct {
	db    spotaws.DynamoDBAPI
	table string
	ttl   time.Duration
	now   func() time.Time
}

// NewDynamoDB creates a DynamoDB fence
func NewDynamoDB(db spotaws.DynamoDBAPI, table string, ttl time.Duration) *DynamoDB {
	return &DynamoDB{db: db, table: table, ttl: ttl, now: time.Now}
}

// Acquire writes the key unless it already exists
func (d *DynamoDB) Acquire(ctx context.Context, key string) (bool, error) {
	item := map[string]types.AttributeValue{
		attrKey:   &types.AttributeValueMemberS{Value: key},
		attrToken: &types.AttributeValueMemberS{Value: uuid.NewString()},
	}
	if d.ttl > 0 {
		expires := d.now().Add(d.ttl).Unix()
		item[attrTTL] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
	}

	_, err := d.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey},
	})
	if err != nil {
		if spotaws.IsConditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire fence %s: %w", key, err)
	}
	return true, nil
}
