package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	schedulertypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/scttfrdmn/spotkeeper/pkg/aws/mock"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(api SchedulerAPI) *Client {
	c := NewClient(api, config.RetryConfig{
		Group:     "default",
		RoleARN:   "arn:aws:iam::123456789012:role/scheduler",
		TargetARN: "arn:aws:lambda:us-east-1:123456789012:function:spotkeeper-launch",
		Cooldown:  config.Duration{Duration: time.Hour},
	})
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }
	return c
}

func TestExpression(t *testing.T) {
	at := time.Date(2024, 5, 1, 13, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "at(2024-05-01T11:30:00)", Expression(at))
}

func TestScheduleRetry(t *testing.T) {
	api := mock.NewMockSchedulerClient()
	c := newTestClient(api)

	arn, err := c.ScheduleRetry(context.Background(), 3, "shortfall", c.Cooldown())
	require.NoError(t, err)
	assert.Contains(t, arn, "spotkeeper-retry-20240501-133000-")

	require.Len(t, api.Schedules, 1)
	for _, input := range api.Schedules {
		assert.Equal(t, "at(2024-05-01T13:30:00)", aws.ToString(input.ScheduleExpression))
		assert.Equal(t, schedulertypes.ActionAfterCompletionDelete, input.ActionAfterCompletion)
		assert.Equal(t, "default", aws.ToString(input.GroupName))

		var payload RetryPayload
		require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.Target.Input)), &payload))
		assert.Equal(t, RetryPayload{Count: 3, Reason: "shortfall"}, payload)
	}
}

func TestScheduleRetryNotConfigured(t *testing.T) {
	api := mock.NewMockSchedulerClient()
	c := NewClient(api, config.RetryConfig{})

	assert.False(t, c.Enabled())
	_, err := c.ScheduleRetry(context.Background(), 1, "shortfall", time.Hour)
	assert.Error(t, err)
	assert.Zero(t, api.CreateScheduleCalls)
}

func TestScheduleRetryError(t *testing.T) {
	api := mock.NewMockSchedulerClient()
	api.CreateScheduleErr = errors.New("AccessDenied")
	c := newTestClient(api)

	_, err := c.ScheduleRetry(context.Background(), 1, "shortfall", time.Hour)
	assert.ErrorContains(t, err, "create eventbridge schedule")
}
