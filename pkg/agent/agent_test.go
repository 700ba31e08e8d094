package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/aws/mock"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeIMDS struct {
	doc imds.InstanceIdentityDocument
	err error
}

func (f *fakeIMDS) GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imds.GetInstanceIdentityDocumentOutput{InstanceIdentityDocument: f.doc}, nil
}

type harness struct {
	agent   *Agent
	tracker *tracker.Tracker
	ec2     *mock.MockEC2Client
	s3      *mock.MockS3Client
}

func newHarness(t *testing.T, imdsClient IMDSAPI) *harness {
	t.Helper()
	s3 := mock.NewMockS3Client("tracking", "complete")
	tr := tracker.New(s3, "tracking", nil, zap.NewNop())
	provider := mock.NewEC2Provider()
	a := New(imdsClient, provider, s3, "complete", tr, zap.NewNop())
	a.now = func() time.Time { return time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC) }
	return &harness{agent: a, tracker: tr, ec2: provider.Client("us-east-1"), s3: s3}
}

func identity() *fakeIMDS {
	return &fakeIMDS{doc: imds.InstanceIdentityDocument{
		InstanceID:       "i-1",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		InstanceType:     "t3.medium",
		PendingTime:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}}
}

func TestCompleteWritesRecordAndTerminates(t *testing.T) {
	h := newHarness(t, identity())
	ctx := context.Background()
	h.ec2.AddRequest("sir-1", ec2types.SpotInstanceStateActive, "i-1")
	h.ec2.PriceHistory = []ec2types.SpotPrice{
		{AvailabilityZone: aws.String("us-east-1a"), SpotPrice: aws.String("0.0130")},
	}
	require.NoError(t, h.tracker.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateOpen))

	record, err := h.agent.Complete(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, &CompletionRecord{
		InstanceID:       "i-1",
		RequestID:        "sir-1",
		Region:           "us-east-1",
		AvailabilityZone: "us-east-1a",
		InstanceType:     "t3.medium",
		LaunchTime:       "2024-05-01T12:00:00Z",
		CompletionTime:   "2024-05-01T18:00:00Z",
		SpotPrice:        "0.0130",
	}, record)

	var stored CompletionRecord
	require.NoError(t, json.Unmarshal(h.s3.Get("complete", "i-1.json").Data, &stored))
	assert.Equal(t, *record, stored)

	assert.Empty(t, h.s3.Keys("tracking", "open/"))
	assert.Equal(t, 1, h.ec2.TerminateInstancesCalls)
}

func TestCompleteKeepsSuccessfulMarker(t *testing.T) {
	h := newHarness(t, identity())
	ctx := context.Background()
	h.ec2.AddRequest("sir-1", ec2types.SpotInstanceStateActive, "i-1")
	require.NoError(t, h.tracker.RecordNew(ctx, "sir-1", "us-east-1", spotaws.StateActive))

	_, err := h.agent.Complete(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"successful/us-east-1|sir-1"}, h.s3.Keys("tracking", ""))
	assert.Zero(t, h.ec2.TerminateInstancesCalls)
}

func TestCompleteWithoutRequestStillRecords(t *testing.T) {
	h := newHarness(t, identity())

	record, err := h.agent.Complete(context.Background(), true)
	require.NoError(t, err)

	assert.Empty(t, record.RequestID)
	assert.NotNil(t, h.s3.Get("complete", "i-1.json"))
	assert.Equal(t, 1, h.ec2.TerminateInstancesCalls)
}

func TestCompleteRecordFailureSkipsTermination(t *testing.T) {
	h := newHarness(t, identity())
	h.s3.KeyErrs["i-1.json"] = errors.New("access denied")

	_, err := h.agent.Complete(context.Background(), true)
	assert.Error(t, err)
	assert.Zero(t, h.ec2.TerminateInstancesCalls)
}

func TestCompleteIdentityFailure(t *testing.T) {
	h := newHarness(t, &fakeIMDS{err: errors.New("not on EC2")})

	_, err := h.agent.Complete(context.Background(), true)
	assert.ErrorContains(t, err, "instance identity")
}
