package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/aws/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testBucket = "tracking"

func newTestTracker(t *testing.T) (*Tracker, *mock.MockS3Client) {
	t.Helper()
	client := mock.NewMockS3Client(testBucket)
	return New(client, testBucket, nil, zap.NewNop()), client
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key     string
		want    Marker
		wantErr bool
	}{
		{key: "open/us-east-1|sir-1", want: Marker{Category: Open, Region: "us-east-1", RequestID: "sir-1"}},
		{key: "failed/eu-west-1|sir-2.txt", want: Marker{Category: Failed, Region: "eu-west-1", RequestID: "sir-2"}},
		{key: "successful/us-west-2|sir-3", want: Marker{Category: Successful, Region: "us-west-2", RequestID: "sir-3"}},
		{key: "open/", wantErr: true},
		{key: "open/us-east-1", wantErr: true},
		{key: "archive/us-east-1|sir-1", wantErr: true},
		{key: "no-category", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := ParseKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, Key(got.Category, got.Region, got.RequestID), got.Key())
		})
	}
}

func TestRecordNew(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	require.NoError(t, tr.RecordNew(ctx, "sir-2", "us-east-1", spotaws.StateActive))

	open := client.Get(testBucket, "open/us-east-1|sir-1")
	require.NotNil(t, open)
	assert.Equal(t, "sir-1", string(open.Data))
	assert.Equal(t, "0", open.Metadata["check_count"])

	done := client.Get(testBucket, "successful/us-east-1|sir-2")
	require.NotNil(t, done)
	_, hasCount := done.Metadata["check_count"]
	assert.False(t, hasCount)
}

func TestRecordNewKeepsExisting(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	_, err := tr.IncrementCheckCount(ctx, "sir-1", "us-east-1")
	require.NoError(t, err)

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	assert.Equal(t, "1", client.Get(testBucket, "open/us-east-1|sir-1").Metadata["check_count"])
}

func TestPromoteIsIdempotent(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	moved, err := tr.Promote(ctx, "sir-1", "us-east-1", Open, Failed)
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = tr.Promote(ctx, "sir-1", "us-east-1", Open, Failed)
	require.NoError(t, err)
	assert.False(t, moved)

	assert.Empty(t, client.Keys(testBucket, "open/"))
	assert.Equal(t, []string{"failed/us-east-1|sir-1"}, client.Keys(testBucket, ""))
	assert.Equal(t, "sir-1", string(client.Get(testBucket, "failed/us-east-1|sir-1").Data))
}

func TestPromoteDeleteFailureKeepsSource(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	client.DeleteObjectErr = errors.New("access denied")

	moved, err := tr.Promote(ctx, "sir-1", "us-east-1", Open, Successful)
	assert.Error(t, err)
	assert.False(t, moved)
	assert.Len(t, client.Keys(testBucket, ""), 2)
}

func TestIncrementCheckCount(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	for want := 1; want <= 3; want++ {
		got, err := tr.IncrementCheckCount(ctx, "sir-1", "us-east-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	obj := client.Get(testBucket, "open/us-east-1|sir-1")
	assert.Equal(t, "3", obj.Metadata["check_count"])
	assert.Equal(t, "sir-1", string(obj.Data))
}

func TestIncrementCheckCountDefaultsToZero(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	client.Objects[testBucket]["open/us-east-1|sir-1"] = &mock.Object{
		Key:      "open/us-east-1|sir-1",
		Data:     []byte("sir-1"),
		Metadata: map[string]string{"check_count": "garbage"},
	}
	client.Objects[testBucket]["open/us-east-1|sir-2"] = &mock.Object{
		Key:  "open/us-east-1|sir-2",
		Data: []byte("sir-2"),
	}

	got, err := tr.IncrementCheckCount(ctx, "sir-1", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	got, err = tr.IncrementCheckCount(ctx, "sir-2", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestIncrementCheckCountMissingMarker(t *testing.T) {
	tr, _ := newTestTracker(t)

	_, err := tr.IncrementCheckCount(context.Background(), "sir-9", "us-east-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOpenGroupsByRegion(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		region := "us-east-1"
		if i%2 == 1 {
			region = "eu-west-1"
		}
		require.NoError(t, tr.RecordNew(ctx, fmt.Sprintf("sir-%d", i), region, spotaws.StateOpen))
	}
	require.NoError(t, tr.RecordNew(ctx, "sir-9", "us-east-1", spotaws.StateActive))
	client.Objects[testBucket]["open/readme"] = &mock.Object{Key: "open/readme"}

	_, err := tr.IncrementCheckCount(ctx, "sir-2", "us-east-1")
	require.NoError(t, err)

	grouped, err := tr.ListOpen(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, Regions(grouped))
	assert.Len(t, grouped["eu-west-1"], 2)
	require.Len(t, grouped["us-east-1"], 3)
	assert.Equal(t, "sir-2", grouped["us-east-1"][1].RequestID)
	assert.Equal(t, 1, grouped["us-east-1"][1].CheckCount)
}

func TestListOpenSkipsUnreadableMarker(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	require.NoError(t, tr.RecordNew(ctx, "sir-2", "us-east-1", spotaws.StateOpen))
	client.KeyErrs["open/us-east-1|sir-1"] = errors.New("slow down")

	grouped, err := tr.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, grouped["us-east-1"], 1)
	assert.Equal(t, "sir-2", grouped["us-east-1"][0].RequestID)
}

func TestListPaginates(t *testing.T) {
	client := &pagingS3{MockS3Client: mock.NewMockS3Client(testBucket)}
	tr := New(client, testBucket, nil, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, tr.RecordNew(ctx, fmt.Sprintf("sir-%d", i), "us-east-1", spotaws.StateActive))
	}

	markers, err := tr.List(ctx, Successful)
	require.NoError(t, err)
	assert.Len(t, markers, 7)
	assert.Equal(t, 4, client.ListObjectsV2Calls)
}

func TestCountByCategory(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	require.NoError(t, tr.RecordNew(ctx, "sir-2", "us-east-1", spotaws.StateActive))
	require.NoError(t, tr.RecordNew(ctx, "sir-3", "us-east-1", spotaws.StateCancelled))
	require.NoError(t, tr.Delete(ctx, Open, "us-east-1", "sir-1"))

	counts, err := tr.CountByCategory(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"open": 0, "successful": 1, "failed": 1}, counts)

	exists, err := tr.Exists(ctx, Failed, "us-east-1", "sir-3")
	require.NoError(t, err)
	assert.True(t, exists)
}

// A marker lives in exactly one category through a full lifecycle
func TestSingleCategoryInvariant(t *testing.T) {
	tr, client := newTestTracker(t)
	ctx := context.Background()

	countFor := func(id string) int {
		n := 0
		for _, c := range Categories {
			n += len(client.Keys(testBucket, Key(c, "us-east-1", id)))
		}
		return n
	}

	require.NoError(t, tr.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))
	assert.Equal(t, 1, countFor("sir-1"))
	_, err := tr.IncrementCheckCount(ctx, "sir-1", "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, 1, countFor("sir-1"))
	_, err = tr.Promote(ctx, "sir-1", "us-east-1", Open, Successful)
	require.NoError(t, err)
	assert.Equal(t, 1, countFor("sir-1"))
	_, err = tr.Promote(ctx, "sir-1", "us-east-1", Open, Successful)
	require.NoError(t, err)
	assert.Equal(t, 1, countFor("sir-1"))
}

// pagingS3 caps list pages at two keys
type pagingS3 struct {
	*mock.MockS3Client
}

func (p *pagingS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	params.MaxKeys = aws.Int32(2)
	return p.MockS3Client.ListObjectsV2(ctx, params, optFns...)
}
