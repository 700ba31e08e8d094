package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// MockSQSClient is a single in-memory queue. Received messages stay
// in flight until deleted.
type MockSQSClient struct {
	mu sync.Mutex

	Pending  []types.Message
	InFlight map[string]types.Message
	Deleted  []string

	ReceiveMessageErr error
	DeleteMessageErr  error

	ReceiveMessageCalls int
	DeleteMessageCalls  int

	seq int
}

// NewMockSQSClient creates an empty queue
func NewMockSQSClient() *MockSQSClient {
	return &MockSQSClient{InFlight: make(map[string]types.Message)}
}

// Enqueue adds a message body to the queue
func (m *MockSQSClient) Enqueue(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.Pending = append(m.Pending, types.Message{
		MessageId:     aws.String(fmt.Sprintf("m-%d", m.seq)),
		ReceiptHandle: aws.String(fmt.Sprintf("rh-%d", m.seq)),
		Body:          aws.String(body),
	})
}

// DeletedCount returns how many messages were acknowledged
func (m *MockSQSClient) DeletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Deleted)
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	m.ReceiveMessageCalls++

	if m.ReceiveMessageErr != nil {
		m.mu.Unlock()
		return nil, m.ReceiveMessageErr
	}

	max := int(params.MaxNumberOfMessages)
	if max <= 0 {
		max = 1
	}
	if max > len(m.Pending) {
		max = len(m.Pending)
	}
	batch := m.Pending[:max]
	m.Pending = m.Pending[max:]
	for _, msg := range batch {
		m.InFlight[aws.ToString(msg.ReceiptHandle)] = msg
	}
	m.mu.Unlock()

	// Simulate long polling on an empty queue without blocking tests
	if len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteMessageCalls++

	if m.DeleteMessageErr != nil {
		return nil, m.DeleteMessageErr
	}

	handle := aws.ToString(params.ReceiptHandle)
	delete(m.InFlight, handle)
	m.Deleted = append(m.Deleted, handle)
	return &sqs.DeleteMessageOutput{}, nil
}
