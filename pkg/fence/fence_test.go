package fence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-redis/redis/v8"
	"github.com/scttfrdmn/spotkeeper/pkg/aws/mock"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTable = "fence"

func TestKey(t *testing.T) {
	assert.Equal(t, "us-east-1|sir-1", Key("us-east-1", "sir-1"))
}

func TestDynamoDBAcquireOnce(t *testing.T) {
	db := mock.NewMockDynamoDBClient()
	db.CreateTable(testTable, attrKey)
	f := NewDynamoDB(db, testTable, time.Hour)
	f.now = func() time.Time { return time.Unix(1000, 0) }
	ctx := context.Background()

	held, err := f.Acquire(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, held)

	held, err = f.Acquire(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, held)

	held, err = f.Acquire(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, held)

	items := db.Items(testTable)
	require.Len(t, items, 2)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "4600"}, items[0][attrTTL])
}

func TestDynamoDBAcquireError(t *testing.T) {
	db := mock.NewMockDynamoDBClient()
	db.CreateTable(testTable, attrKey)
	db.PutItemErr = errors.New("throttled")
	f := NewDynamoDB(db, testTable, time.Hour)

	held, err := f.Acquire(context.Background(), "k1")
	assert.Error(t, err)
	assert.False(t, held)

	// fail open
	assert.True(t, Allow(context.Background(), f, "k1", zap.NewNop()))
}

func TestRedisAcquireOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := NewRedis(client, time.Hour)
	defer f.Close()
	ctx := context.Background()

	held, err := f.Acquire(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, held)

	held, err = f.Acquire(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, held)
	assert.True(t, mr.Exists(redisKeyPrefix+"k1"))

	mr.FastForward(2 * time.Hour)
	held, err = f.Acquire(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRedisUnavailableFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := NewRedis(client, time.Hour)
	mr.Close()

	assert.True(t, Allow(context.Background(), f, "k1", zap.NewNop()))
}

func TestAllowDenied(t *testing.T) {
	db := mock.NewMockDynamoDBClient()
	db.CreateTable(testTable, attrKey)
	f := NewDynamoDB(db, testTable, 0)
	ctx := context.Background()

	assert.True(t, Allow(ctx, f, "k", zap.NewNop()))
	assert.False(t, Allow(ctx, f, "k", zap.NewNop()))
}

func TestNew(t *testing.T) {
	db := mock.NewMockDynamoDBClient()

	f, err := New(config.FenceConfig{Backend: BackendNone}, db, "", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, f)

	f, err = New(config.FenceConfig{Backend: BackendDynamoDB}, db, testTable, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &DynamoDB{}, f)

	_, err = New(config.FenceConfig{Backend: BackendDynamoDB}, db, "", zap.NewNop())
	assert.Error(t, err)

	_, err = New(config.FenceConfig{Backend: BackendRedis}, db, "", zap.NewNop())
	assert.Error(t, err)

	_, err = New(config.FenceConfig{Backend: "etcd"}, db, "", zap.NewNop())
	assert.Error(t, err)
}
