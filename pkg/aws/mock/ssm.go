package mock

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// MockSSMClient serves a flat parameter store
type MockSSMClient struct {
	mu sync.Mutex

	Parameters map[string]string
	// PageSize limits parameters per page; 0 returns everything at once
	PageSize int

	GetParametersByPathErr   error
	GetParametersByPathCalls int
}

// NewMockSSMClient creates a mock holding params
func NewMockSSMClient(params map[string]string) *MockSSMClient {
	if params == nil {
		params = make(map[string]string)
	}
	return &MockSSMClient{Parameters: params}
}

func (m *MockSSMClient) GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetParametersByPathCalls++

	if m.GetParametersByPathErr != nil {
		return nil, m.GetParametersByPathErr
	}

	path := aws.ToString(params.Path)
	var names []string
	for name := range m.Parameters {
		if strings.HasPrefix(name, path) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	start := 0
	if params.NextToken != nil {
		start, _ = strconv.Atoi(*params.NextToken)
	}
	end := len(names)
	out := &ssm.GetParametersByPathOutput{}
	if m.PageSize > 0 && start+m.PageSize < end {
		end = start + m.PageSize
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	for _, name := range names[start:end] {
		out.Parameters = append(out.Parameters, types.Parameter{
			Name:  aws.String(name),
			Value: aws.String(m.Parameters[name]),
			Type:  types.ParameterTypeString,
		})
	}
	return out, nil
}
