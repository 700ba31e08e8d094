package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// MockSNSClient records published messages
type MockSNSClient struct {
	mu sync.Mutex

	PublishErr   error
	PublishCalls int
	Published    []*sns.PublishInput
}

// NewMockSNSClient creates an empty mock
func NewMockSNSClient() *MockSNSClient {
	return &MockSNSClient{}
}

func (m *MockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalls++

	if m.PublishErr != nil {
		return nil, m.PublishErr
	}

	m.Published = append(m.Published, params)
	return &sns.PublishOutput{MessageId: aws.String(fmt.Sprintf("msg-%d", m.PublishCalls))}, nil
}
