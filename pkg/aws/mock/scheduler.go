package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/scheduler"
)

// MockSchedulerClient records created schedules
type MockSchedulerClient struct {
	mu sync.Mutex

	Schedules map[string]*scheduler.CreateScheduleInput

	CreateScheduleErr   error
	CreateScheduleCalls int
}

// NewMockSchedulerClient creates an empty mock
func NewMockSchedulerClient() *MockSchedulerClient {
	return &MockSchedulerClient{Schedules: make(map[string]*scheduler.CreateScheduleInput)}
}

func (m *MockSchedulerClient) CreateSchedule(ctx context.Context, params *scheduler.CreateScheduleInput, optFns ...func(*scheduler.Options)) (*scheduler.CreateScheduleOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateScheduleCalls++

	if m.CreateScheduleErr != nil {
		return nil, m.CreateScheduleErr
	}

	name := aws.ToString(params.Name)
	if _, exists := m.Schedules[name]; exists {
		return nil, fmt.Errorf("ConflictException: schedule %s already exists", name)
	}
	m.Schedules[name] = params

	return &scheduler.CreateScheduleOutput{
		ScheduleArn: aws.String(fmt.Sprintf("arn:aws:scheduler:us-east-1:123456789012:schedule/default/%s", name)),
	}, nil
}
