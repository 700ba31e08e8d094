package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// MockLambdaClient records invocations and answers with canned payloads
type MockLambdaClient struct {
	mu sync.Mutex

	// Payloads returned per function name; missing functions return "{}"
	Payloads map[string][]byte
	// FunctionErrors marks functions whose invocation reports a handler error
	FunctionErrors map[string]string
	// InvokeErrs fails the API call itself per function name
	InvokeErrs map[string]error

	InvokeCalls int
	Invoked     []string
}

// NewMockLambdaClient creates an empty mock
func NewMockLambdaClient() *MockLambdaClient {
	return &MockLambdaClient{
		Payloads:       make(map[string][]byte),
		FunctionErrors: make(map[string]string),
		InvokeErrs:     make(map[string]error),
	}
}

func (m *MockLambdaClient) Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvokeCalls++

	name := aws.ToString(params.FunctionName)
	m.Invoked = append(m.Invoked, name)

	if err := m.InvokeErrs[name]; err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}

	out := &lambda.InvokeOutput{StatusCode: 200, Payload: []byte("{}")}
	if payload, ok := m.Payloads[name]; ok {
		out.Payload = payload
	}
	if fnErr, ok := m.FunctionErrors[name]; ok {
		out.FunctionError = aws.String(fnErr)
	}
	return out, nil
}
