package lookup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scttfrdmn/spotkeeper/pkg/aws/mock"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	input := `
# copied images
us-east-1 ami-0aaa

us-west-2   ami-0bbb
  eu-west-1 ami-0ccc
`
	table, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	assert.Len(t, table, 3)
	assert.Equal(t, "ami-0bbb", table["us-west-2"])
	assert.Equal(t, []string{"eu-west-1", "us-east-1", "us-west-2"}, table.Regions())
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"single field", "us-east-1\n"},
		{"three fields", "us-east-1 ami-1 extra\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader("eu-west-1 ami-0\n" + tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "line 2")
		})
	}
}

func TestTableGet(t *testing.T) {
	table := Table{"us-east-1": "sg-1", "us-west-2": ""}

	v, err := table.Get("us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "sg-1", v)

	_, err = table.Get("us-west-2")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = table.Get("ap-south-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()
	amiFile := filepath.Join(dir, "ami_ids.txt")
	sgFile := filepath.Join(dir, "security_group_ids.txt")
	require.NoError(t, os.WriteFile(amiFile, []byte("us-east-1 ami-1\nus-west-2 ami-2\n"), 0644))
	require.NoError(t, os.WriteFile(sgFile, []byte("us-east-1 sg-1\n"), 0644))

	resolver, err := Load(context.Background(), config.LookupConfig{
		Source:            SourceFile,
		AMIFile:           amiFile,
		SecurityGroupFile: sgFile,
	}, nil)
	require.NoError(t, err)

	ami, sg, err := resolver.Resolve(context.Background(), "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "ami-1", ami)
	assert.Equal(t, "sg-1", sg)

	// image present, security group missing
	_, _, err = resolver.Resolve(context.Background(), "us-west-2")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), config.LookupConfig{
		Source:  SourceFile,
		AMIFile: filepath.Join(t.TempDir(), "missing.txt"),
	}, nil)
	assert.Error(t, err)
}

func TestLoadFromSSM(t *testing.T) {
	client := mock.NewMockSSMClient(map[string]string{
		"/spotkeeper/lookup/ami/us-east-1":            "ami-1",
		"/spotkeeper/lookup/ami/eu-west-1":            "ami-3",
		"/spotkeeper/lookup/security-group/us-east-1": "sg-1",
		"/spotkeeper/lookup/security-group/eu-west-1": "sg-3",
		"/spotkeeper/instance_type":                   "c5.large",
	})
	client.PageSize = 2

	resolver, err := Load(context.Background(), config.LookupConfig{
		Source:  SourceSSM,
		SSMPath: "/spotkeeper/lookup",
	}, client)
	require.NoError(t, err)

	assert.Equal(t, Table{"us-east-1": "ami-1", "eu-west-1": "ami-3"}, resolver.AMIs)
	assert.Equal(t, Table{"us-east-1": "sg-1", "eu-west-1": "sg-3"}, resolver.SecurityGroups)
	assert.Equal(t, 2, client.GetParametersByPathCalls)
}

func TestLoadInline(t *testing.T) {
	resolver, err := Load(context.Background(), config.LookupConfig{
		Source:         SourceInline,
		AMIs:           map[string]string{"us-east-1": "ami-1"},
		SecurityGroups: map[string]string{"us-east-1": "sg-1"},
	}, nil)
	require.NoError(t, err)

	ami, sg, err := resolver.Resolve(context.Background(), "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "ami-1", ami)
	assert.Equal(t, "sg-1", sg)
}

func TestLoadUnknownSource(t *testing.T) {
	_, err := Load(context.Background(), config.LookupConfig{Source: "consul"}, nil)
	assert.Error(t, err)

	_, err = Load(context.Background(), config.LookupConfig{Source: SourceSSM}, nil)
	assert.Error(t, err)
}
