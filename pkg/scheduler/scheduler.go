// Package scheduler creates one-shot EventBridge Scheduler schedules that
// re-invoke the launch function after a shortfall cooldown.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
	schedulertypes "github.com/aws/aws-sdk-go-v2/service/scheduler/types"
	"github.com/google/uuid"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
)

// SchedulerAPI defines the interface for EventBridge Scheduler operations
type SchedulerAPI interface {
	CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error)
}

// RetryPayload is the input the launch function receives
type RetryPayload struct {
	Count  int    `json:"count"`
	Reason string `json:"reason"`
}

// Client handles retry schedules
type Client struct {
	schedulerClient SchedulerAPI
	targetARN       string
	roleARN         string
	group           string
	cooldown        time.Duration
	now             func() time.Time
}

// NewClient creates a scheduler client from the retry settings
func NewClient(api SchedulerAPI, cfg config.RetryConfig) *Client {
	return &Client{
		schedulerClient: api,
		targetARN:       cfg.TargetARN,
		roleARN:         cfg.RoleARN,
		group:           cfg.Group,
		cooldown:        cfg.Cooldown.Duration,
		now:             time.Now,
	}
}

// Enabled reports whether a target and role are configured
func (c *Client) Enabled() bool {
	return c != nil && c.targetARN != "" && c.roleARN != ""
}

// Cooldown is the default delay before a retry
func (c *Client) Cooldown() time.Duration {
	return c.cooldown
}

// GenerateScheduleName creates a unique schedule name
func GenerateScheduleName(at time.Time) string {
	return fmt.Sprintf("spotkeeper-retry-%s-%s", at.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// Expression formats a one-time schedule expression. Scheduler reads
// at() in the schedule's timezone, which is UTC here.
func Expression(at time.Time) string {
	return fmt.Sprintf("at(%s)", at.UTC().Format("2006-01-02T15:04:05"))
}

// ScheduleRetry creates a schedule that asks for count units after the
// given delay and deletes itself once it has fired. It returns the
// schedule ARN.
func (c *Client) ScheduleRetry(ctx context.Context, count int, reason string, after time.Duration) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("retry schedule target is not configured")
	}

	payload, err := json.Marshal(RetryPayload{Count: count, Reason: reason})
	if err != nil {
		return "", fmt.Errorf("marshal retry payload: %w", err)
	}

	at := c.now().Add(after)
	name := GenerateScheduleName(at)
	input := &scheduler.CreateScheduleInput{
		Name:                       aws.String(name),
		Description:                aws.String(fmt.Sprintf("spotkeeper retry of %d units (%s)", count, reason)),
		ScheduleExpression:         aws.String(Expression(at)),
		ScheduleExpressionTimezone: aws.String("UTC"),
		FlexibleTimeWindow: &schedulertypes.FlexibleTimeWindow{
			Mode: schedulertypes.FlexibleTimeWindowModeOff,
		},
		Target: &schedulertypes.Target{
			Arn:     aws.String(c.targetARN),
			RoleArn: aws.String(c.roleARN),
			Input:   aws.String(string(payload)),
			RetryPolicy: &schedulertypes.RetryPolicy{
				MaximumRetryAttempts:     aws.Int32(2),
				MaximumEventAgeInSeconds: aws.Int32(300), // 5 minutes
			},
		},
		ActionAfterCompletion: schedulertypes.ActionAfterCompletionDelete,
		State:                 schedulertypes.ScheduleStateEnabled,
	}
	if c.group != "" {
		input.GroupName = aws.String(c.group)
	}

	result, err := c.schedulerClient.CreateSchedule(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create eventbridge schedule: %w", err)
	}
	return aws.ToString(result.ScheduleArn), nil
}
