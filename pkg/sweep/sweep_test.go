package sweep

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/aws/mock"
	"github.com/scttfrdmn/spotkeeper/pkg/fence"
	"github.com/scttfrdmn/spotkeeper/pkg/launcher"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testBucket = "tracking"

type fakeReplenisher struct {
	calls  []int
	result error
}

func (f *fakeReplenisher) Replenish(ctx context.Context, count int, reason string) (*launcher.Outcome, error) {
	f.calls = append(f.calls, count)
	return &launcher.Outcome{Requested: count}, f.result
}

type harness struct {
	sweeper     *Sweeper
	tracker     *tracker.Tracker
	ec2         *mock.EC2Provider
	s3          *mock.MockS3Client
	replenisher *fakeReplenisher
}

func newHarness(t *testing.T, f fence.Fence) *harness {
	t.Helper()
	s3 := mock.NewMockS3Client(testBucket)
	tr := tracker.New(s3, testBucket, nil, zap.NewNop())
	provider := mock.NewEC2Provider()
	rep := &fakeReplenisher{}
	return &harness{
		sweeper:     New(provider, tr, f, rep, 3, nil, nil, zap.NewNop()),
		tracker:     tr,
		ec2:         provider,
		s3:          s3,
		replenisher: rep,
	}
}

func (h *harness) seed(t *testing.T, region, id string, state types.SpotInstanceState) {
	t.Helper()
	h.ec2.Client(region).AddRequest(id, state, "")
	require.NoError(t, h.tracker.RecordNew(context.Background(), id, region, spotaws.StateOpen))
}

func TestStuckOpenRequestIsReplacedOnThirdPass(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateOpen)

	for pass := 1; pass <= 2; pass++ {
		result, err := h.sweeper.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Incremented)
		assert.Zero(t, result.ReplacementsNeeded)

		marker, err := h.tracker.Get(ctx, tracker.Open, "us-east-1", "sir-1")
		require.NoError(t, err)
		assert.Equal(t, pass, marker.CheckCount)
	}

	result, err := h.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.ReplacementsNeeded)
	assert.Equal(t, []int{1}, h.replenisher.calls)

	client := h.ec2.Client("us-east-1")
	assert.Equal(t, []string{"sir-1"}, client.Cancelled)
	assert.Equal(t, []string{"failed/us-east-1|sir-1"}, h.s3.Keys(testBucket, ""))

	// nothing left to do
	result, err = h.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Checked)
	assert.Len(t, h.replenisher.calls, 1)
}

func TestSweepResolvesEachState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.seed(t, "us-east-1", "sir-active", types.SpotInstanceStateActive)
	h.seed(t, "us-east-1", "sir-failed", types.SpotInstanceStateFailed)
	h.seed(t, "us-west-2", "sir-cancelled", types.SpotInstanceStateCancelled)
	h.seed(t, "us-west-2", "sir-closed", types.SpotInstanceStateClosed)
	h.seed(t, "us-west-2", "sir-open", types.SpotInstanceStateOpen)
	require.NoError(t, h.tracker.RecordNew(ctx, "sir-gone", "eu-west-1", spotaws.StateOpen))

	result, err := h.sweeper.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 6, result.Checked)
	assert.Equal(t, 1, result.Promoted)
	assert.Equal(t, 4, result.Failed)
	assert.Equal(t, 1, result.Incremented)
	assert.Equal(t, 4, result.ReplacementsNeeded)
	assert.Equal(t, []int{4}, h.replenisher.calls)

	assert.Equal(t, []string{"successful/us-east-1|sir-active"}, h.s3.Keys(testBucket, "successful/"))
	assert.Len(t, h.s3.Keys(testBucket, "failed/"), 4)
	assert.Equal(t, []string{"open/us-west-2|sir-open"}, h.s3.Keys(testBucket, "open/"))
}

func TestSweepMarkedForTerminationFails(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateActive)
	client := h.ec2.Client("us-east-1")
	client.SpotRequests["sir-1"].Status.Code = aws.String("marked-for-termination")

	result, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.ReplacementsNeeded)
}

func TestSweepDescribeErrorLeavesMarkerOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateOpen)
	h.seed(t, "us-west-2", "sir-2", types.SpotInstanceStateActive)
	h.ec2.Client("us-east-1").DescribeSpotInstanceRequestsErr = errors.New("throttled")

	result, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Promoted)
	assert.Equal(t, []string{"open/us-east-1|sir-1"}, h.s3.Keys(testBucket, "open/"))
	assert.Empty(t, h.replenisher.calls)
}

func TestSweepMarkerErrorIsIsolated(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateActive)
	h.seed(t, "us-east-1", "sir-2", types.SpotInstanceStateActive)
	h.s3.KeyErrs["successful/us-east-1|sir-1"] = errors.New("access denied")

	result, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Promoted)
}

func TestSweepListErrorFails(t *testing.T) {
	h := newHarness(t, nil)
	h.s3.ListObjectsV2Err = errors.New("no such bucket")

	_, err := h.sweeper.Run(context.Background())
	assert.Error(t, err)
}

func TestSweepFenceHeldSkipsReplacement(t *testing.T) {
	db := mock.NewMockDynamoDBClient()
	db.CreateTable("fence", "fence_key")
	f := fence.NewDynamoDB(db, "fence", 0)
	ctx := context.Background()

	held, err := f.Acquire(ctx, fence.Key("us-east-1", "sir-1"))
	require.NoError(t, err)
	require.True(t, held)

	h := newHarness(t, f)
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateFailed)
	h.seed(t, "us-east-1", "sir-2", types.SpotInstanceStateFailed)

	result, err := h.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 1, result.ReplacementsNeeded)
	assert.Equal(t, []int{1}, h.replenisher.calls)
}

func TestSweepLaunchErrorIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.replenisher.result = &launcher.CapacityExhaustedError{Requested: 1, Shortfall: 1}
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateFailed)

	result, err := h.sweeper.Run(context.Background())
	require.NoError(t, err)

	var exhausted *launcher.CapacityExhaustedError
	assert.ErrorAs(t, result.LaunchErr, &exhausted)
	assert.NotNil(t, result.Launch)
}

// racingMarkers runs before ahead of each Promote, standing in for another
// invocation touching the same marker
type racingMarkers struct {
	*tracker.Tracker
	before func()
}

func (r racingMarkers) Promote(ctx context.Context, requestID, region string, from, to tracker.Category) (bool, error) {
	r.before()
	return r.Tracker.Promote(ctx, requestID, region, from, to)
}

func TestSweepSkipsMarkerRetiredByReclaim(t *testing.T) {
	db := mock.NewMockDynamoDBClient()
	db.CreateTable("fence", "fence_key")
	f := fence.NewDynamoDB(db, "fence", 0)
	ctx := context.Background()

	h := newHarness(t, f)
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateFailed)

	// reclamation deletes the open marker and replaces the unit after the
	// sweep has listed it
	markers := racingMarkers{Tracker: h.tracker, before: func() {
		require.NoError(t, h.tracker.Delete(ctx, tracker.Open, "us-east-1", "sir-1"))
		held, err := f.Acquire(ctx, fence.Key("us-east-1", "sir-1"))
		require.NoError(t, err)
		require.True(t, held)
	}}
	sweeper := New(h.ec2, markers, f, h.replenisher, 3, nil, nil, zap.NewNop())

	result, err := sweeper.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Checked)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.ReplacementsNeeded)
	assert.Empty(t, h.replenisher.calls)
	assert.Empty(t, h.s3.Keys(testBucket, "failed/"))
}

func TestSweepSkipsReplacementAfterMarkerMoved(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seed(t, "us-east-1", "sir-1", types.SpotInstanceStateFailed)

	// without a fence the sweep still only replaces transitions it made
	markers := racingMarkers{Tracker: h.tracker, before: func() {
		require.NoError(t, h.tracker.Delete(ctx, tracker.Open, "us-east-1", "sir-1"))
	}}
	sweeper := New(h.ec2, markers, nil, h.replenisher, 3, nil, nil, zap.NewNop())

	result, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.ReplacementsNeeded)
	assert.Empty(t, h.replenisher.calls)
}
