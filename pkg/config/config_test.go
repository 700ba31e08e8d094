package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
regions_to_use: [us-east-1, us-west-2, eu-west-1]
instance_type: c5.large
key_name: batch-key
on_demand_price: "0.085"
buckets:
  tracking: spot-tracking
  interrupt: spot-interrupt
launch:
  initial_wait: 5s
  poll_interval: 30s
  max_polls: 4
fence:
  backend: none
lookup:
  source: inline
  amis:
    us-east-1: ami-0abc
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

type fakeSSM struct {
	pages [][]ssmtypes.Parameter
	calls int
}

func (f *fakeSSM) GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	page := f.pages[f.calls]
	f.calls++
	out := &ssm.GetParametersByPathOutput{Parameters: page}
	if f.calls < len(f.pages) {
		out.NextToken = aws.String("next")
	}
	return out, nil
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	cfg, err := Load(context.Background(), Options{Overrides: Overrides{ConfigFile: path}})
	require.NoError(t, err)

	assert.Equal(t, []string{"us-east-1", "us-west-2", "eu-west-1"}, cfg.RegionsToUse)
	assert.Equal(t, "c5.large", cfg.InstanceType)
	assert.Equal(t, "0.085", cfg.OnDemandPrice)
	assert.Equal(t, 5*time.Second, cfg.Launch.InitialWait.Duration)
	assert.Equal(t, 30*time.Second, cfg.Launch.PollInterval.Duration)
	assert.Equal(t, 4, cfg.Launch.MaxPolls)
	// untouched keys keep their defaults
	assert.Equal(t, 12*time.Minute, cfg.Launch.PollTimeout.Duration)
	assert.Equal(t, 3, cfg.Sweep.MaxChecks)
	assert.Equal(t, "SpotPriceCostTable", cfg.Tables.Price)
	assert.Equal(t, "ami-0abc", cfg.Lookup.AMIs["us-east-1"])
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("SPOTKEEPER_INSTANCE_TYPE", "m5.large")
	t.Setenv("SPOTKEEPER_KEY_NAME", "env-key")

	ssmClient := &fakeSSM{pages: [][]ssmtypes.Parameter{
		{
			{Name: aws.String("/spotkeeper/instance_type"), Value: aws.String("r5.large")},
			{Name: aws.String("/spotkeeper/notify/topic_arn"), Value: aws.String("arn:aws:sns:us-east-1:123:alerts")},
		},
		{
			{Name: aws.String("/spotkeeper/buckets/complete"), Value: aws.String("ssm-complete")},
		},
	}}

	cfg, err := Load(context.Background(), Options{
		Overrides: Overrides{ConfigFile: path, KeyName: "flag-key"},
		SSM:       ssmClient,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, ssmClient.calls)
	assert.Equal(t, "m5.large", cfg.InstanceType, "env beats file and SSM")
	assert.Equal(t, "flag-key", cfg.KeyName, "flag beats env")
	assert.Equal(t, "arn:aws:sns:us-east-1:123:alerts", cfg.Notify.TopicARN)
	assert.Equal(t, "ssm-complete", cfg.Buckets.Complete)
	assert.Equal(t, "spot-tracking", cfg.Buckets.Tracking)
}

func TestLoadTargetCapacity(t *testing.T) {
	path := writeConfig(t, "regions_to_use: [us-east-1]\ninstance_type: c5.large\nbuckets:\n  tracking: spot-tracking\nlaunch:\n  target_capacity: 6\n")

	cfg, err := Load(context.Background(), Options{Overrides: Overrides{ConfigFile: path}})
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Launch.TargetCapacity)

	t.Setenv("SPOTKEEPER_TARGET_CAPACITY", "9")
	cfg, err = Load(context.Background(), Options{Overrides: Overrides{ConfigFile: path}})
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Launch.TargetCapacity)

	t.Setenv("SPOTKEEPER_TARGET_CAPACITY", "lots")
	_, err = Load(context.Background(), Options{Overrides: Overrides{ConfigFile: path}})
	require.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(context.Background(), Options{Overrides: Overrides{ConfigFile: "/nonexistent/spotkeeper.yaml"}})
	require.Error(t, err)
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, sampleYAML+"sweep:\n  max_checks: 3\ndaemon:\n  sweep_interval: soon\n")
	_, err := Load(context.Background(), Options{Overrides: Overrides{ConfigFile: path}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.RegionsToUse = []string{"us-east-1"}
		cfg.Buckets.Tracking = "tracking"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no regions", mutate: func(c *Config) { c.RegionsToUse = nil }, wantErr: "regions_to_use"},
		{name: "no bucket", mutate: func(c *Config) { c.Buckets.Tracking = "" }, wantErr: "buckets.tracking"},
		{name: "bad price", mutate: func(c *Config) { c.OnDemandPrice = "cheap" }, wantErr: "on_demand_price"},
		{name: "zero checks", mutate: func(c *Config) { c.Sweep.MaxChecks = 0 }, wantErr: "max_checks"},
		{name: "redis without addr", mutate: func(c *Config) { c.Fence.Backend = "redis" }, wantErr: "redis_addr"},
		{name: "unknown fence", mutate: func(c *Config) { c.Fence.Backend = "etcd" }, wantErr: "fence backend"},
		{name: "unknown lookup", mutate: func(c *Config) { c.Lookup.Source = "http" }, wantErr: "lookup source"},
		{name: "unknown exporter", mutate: func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Exporter = "jaeger"
		}, wantErr: "tracing exporter"},
		{name: "bad sample ratio", mutate: func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.SampleRatio = 2
		}, wantErr: "sample_ratio"},
		{name: "disabled exporter ignored", mutate: func(c *Config) { c.Observability.Tracing.Exporter = "jaeger" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestObservabilityFromEnv(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("SPOTKEEPER_METRICS_ADDR", ":9200")
	t.Setenv("SPOTKEEPER_TRACE_EXPORTER", "stdout")

	cfg, err := Load(context.Background(), Options{Overrides: Overrides{ConfigFile: path}})
	require.NoError(t, err)
	assert.True(t, cfg.Observability.Metrics.Enabled)
	assert.Equal(t, ":9200", cfg.Observability.Metrics.Addr)
	assert.True(t, cfg.Observability.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Observability.Tracing.Exporter)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, splitList(" us-east-1, ,eu-west-1 "))
	assert.Nil(t, splitList(""))
}
