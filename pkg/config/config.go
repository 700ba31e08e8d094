package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/scttfrdmn/spotkeeper/pkg/observability"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultSSMPath is the parameter prefix read when SSM overrides are enabled
	DefaultSSMPath = "/spotkeeper/"

	configFileName = ".spotkeeper/config.yaml"
	envPrefix      = "SPOTKEEPER_"
)

// Config is the complete orchestrator configuration. It is built once per
// invocation and handed to each component at construction.
type Config struct {
	RegionsToUse   []string `yaml:"regions_to_use"`
	ExcludeRegions []string `yaml:"exclude_regions"`
	InstanceType   string   `yaml:"instance_type"`
	KeyName        string   `yaml:"key_name"`
	OnDemandPrice  string   `yaml:"on_demand_price"`
	UserDataFile   string   `yaml:"user_data_file"`

	// HomeRegion hosts the buckets, tables, topic and schedules.
	HomeRegion    string `yaml:"home_region"`
	AssumeRoleARN string `yaml:"assume_role_arn"`

	Buckets       BucketConfig         `yaml:"buckets"`
	Tables        TableConfig          `yaml:"tables"`
	Lookup        LookupConfig         `yaml:"lookup"`
	Launch        LaunchConfig         `yaml:"launch"`
	Selection     SelectionConfig      `yaml:"selection"`
	Sweep         SweepConfig          `yaml:"sweep"`
	Fence         FenceConfig          `yaml:"fence"`
	Notify        NotifyConfig         `yaml:"notify"`
	Retry         RetryConfig          `yaml:"retry"`
	Refresh       RefreshConfig        `yaml:"refresh"`
	Daemon        DaemonConfig         `yaml:"daemon"`
	Log           LogConfig            `yaml:"log"`
	Observability observability.Config `yaml:"observability"`
}

// BucketConfig names the S3 buckets
type BucketConfig struct {
	Tracking  string `yaml:"tracking"`
	Interrupt string `yaml:"interrupt"`
	Complete  string `yaml:"complete"`
}

// TableConfig names the DynamoDB tables
type TableConfig struct {
	Region       string `yaml:"region"`
	Price        string `yaml:"price"`
	Placement    string `yaml:"placement"`
	Interruption string `yaml:"interruption"`
	Fence        string `yaml:"fence"`
}

// LookupConfig selects where per-region image and security group ids come from
type LookupConfig struct {
	Source            string            `yaml:"source"` // file, ssm or inline
	AMIFile           string            `yaml:"ami_file"`
	SecurityGroupFile string            `yaml:"security_group_file"`
	SSMPath           string            `yaml:"ssm_path"`
	AMIs              map[string]string `yaml:"amis"`
	SecurityGroups    map[string]string `yaml:"security_groups"`
}

// LaunchConfig holds the batch size and tunes the launcher's wait loop
type LaunchConfig struct {
	// TargetCapacity is the batch size when a launch names no count
	TargetCapacity int      `yaml:"target_capacity"`
	InitialWait    Duration `yaml:"initial_wait"`
	PollInterval   Duration `yaml:"poll_interval"`
	MaxPolls       int      `yaml:"max_polls"`
	PollTimeout    Duration `yaml:"poll_timeout"`
}

// SelectionConfig holds the region eligibility policy
type SelectionConfig struct {
	MinScore   float64 `yaml:"min_score"`
	MaxRegions int     `yaml:"max_regions"`
}

// SweepConfig holds the reconciliation policy
type SweepConfig struct {
	MaxChecks int `yaml:"max_checks"`
}

// FenceConfig selects the replacement fencing backend
type FenceConfig struct {
	Backend   string   `yaml:"backend"` // dynamodb, redis or none
	TTL       Duration `yaml:"ttl"`
	RedisAddr string   `yaml:"redis_addr"`
}

// NotifyConfig holds the shortfall alert target
type NotifyConfig struct {
	TopicARN string `yaml:"topic_arn"`
}

// RetryConfig describes the cooldown retry schedule
type RetryConfig struct {
	Group     string   `yaml:"schedule_group"`
	RoleARN   string   `yaml:"role_arn"`
	TargetARN string   `yaml:"target_arn"`
	Cooldown  Duration `yaml:"cooldown"`
}

// RefreshConfig holds the maintenance job settings
type RefreshConfig struct {
	Functions          []string          `yaml:"functions"`
	PriceWindow        Duration          `yaml:"price_window"`
	TargetCapacity     int32             `yaml:"target_capacity"`
	InterruptionRatios map[string]string `yaml:"interruption_ratios"`
}

// DaemonConfig holds settings for `spotkeeper run`
type DaemonConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	QueueURL      string   `yaml:"queue_url"`
	QueueWait     Duration `yaml:"queue_wait"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Duration is a time.Duration that reads as "90s", "5m" or "1h" in YAML
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Default returns the baseline configuration
func Default() *Config {
	return &Config{
		InstanceType: "t3.medium",
		HomeRegion:   "us-east-1",
		Tables: TableConfig{
			Region:       "us-east-1",
			Price:        "SpotPriceCostTable",
			Placement:    "SpotPlacementScoreTable",
			Interruption: "SpotInterruptionRatioTable",
			Fence:        "SpotkeeperFenceTable",
		},
		Lookup: LookupConfig{
			Source:            "file",
			AMIFile:           "ami_ids.txt",
			SecurityGroupFile: "security_group_ids.txt",
			SSMPath:           "/spotkeeper/lookup/",
		},
		Launch: LaunchConfig{
			InitialWait:  Duration{20 * time.Second},
			PollInterval: Duration{60 * time.Second},
			MaxPolls:     10,
			PollTimeout:  Duration{12 * time.Minute},
		},
		Selection: SelectionConfig{
			MinScore:   4,
			MaxRegions: 4,
		},
		Sweep: SweepConfig{
			MaxChecks: 3,
		},
		Fence: FenceConfig{
			Backend: "dynamodb",
			TTL:     Duration{24 * time.Hour},
		},
		Retry: RetryConfig{
			Group:    "default",
			Cooldown: Duration{time.Hour},
		},
		Refresh: RefreshConfig{
			Functions: []string{
				"spotkeeper-refresh-prices",
				"spotkeeper-refresh-placement",
				"spotkeeper-refresh-interruption",
			},
			PriceWindow:    Duration{time.Hour},
			TargetCapacity: 1,
		},
		Daemon: DaemonConfig{
			SweepInterval: Duration{5 * time.Minute},
			QueueWait:     Duration{20 * time.Second},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Observability: observability.Defaults(),
	}
}

// Overrides carries CLI flag values; empty fields leave the config alone
type Overrides struct {
	ConfigFile    string
	Regions       []string
	InstanceType  string
	KeyName       string
	OnDemandPrice string
	LogLevel      string
}

// SSMAPI is the subset of SSM used for configuration overrides
type SSMAPI interface {
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// Options controls Load
type Options struct {
	Overrides Overrides
	// SSM enables Parameter Store overrides when set
	SSM     SSMAPI
	SSMPath string
}

// Load builds the configuration with precedence:
// 1. CLI flags
// 2. Environment variables
// 3. Config file
// 4. SSM Parameter Store
// 5. Defaults
func Load(ctx context.Context, opts Options) (*Config, error) {
	cfg := Default()

	// 4. SSM Parameter Store
	if opts.SSM != nil {
		path := opts.SSMPath
		if path == "" {
			path = DefaultSSMPath
		}
		params, err := loadFromSSM(ctx, opts.SSM, path)
		if err != nil {
			return nil, err
		}
		if err := applyParams(cfg, params); err != nil {
			return nil, fmt.Errorf("failed to apply SSM parameters: %w", err)
		}
	}

	// 3. Config file
	path := opts.Overrides.ConfigFile
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if err := loadFromFile(cfg, path); err != nil {
		return nil, err
	}

	// 2. Environment variables
	if err := applyParams(cfg, envParams()); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	// 1. CLI flags
	applyOverrides(cfg, opts.Overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile reads the YAML file onto cfg. An empty path falls back to
// ~/.spotkeeper/config.yaml and is skipped quietly when that file is absent.
func loadFromFile(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(homeDir, configFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromSSM(ctx context.Context, client SSMAPI, path string) (map[string]string, error) {
	params := make(map[string]string)
	var next *string
	for {
		out, err := client.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(path),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(true),
			NextToken:      next,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read SSM parameters under %s: %w", path, err)
		}
		for _, p := range out.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			key := strings.TrimPrefix(*p.Name, path)
			key = strings.ReplaceAll(strings.Trim(key, "/"), "/", ".")
			params[key] = *p.Value
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return params, nil
}

// envKeys maps SPOTKEEPER_* variables to parameter keys
var envKeys = map[string]string{
	"REGIONS":          "regions_to_use",
	"EXCLUDE_REGIONS":  "exclude_regions",
	"INSTANCE_TYPE":    "instance_type",
	"KEY_NAME":         "key_name",
	"ON_DEMAND_PRICE":  "on_demand_price",
	"USER_DATA_FILE":   "user_data_file",
	"HOME_REGION":      "home_region",
	"ASSUME_ROLE_ARN":  "assume_role_arn",
	"TRACKING_BUCKET":  "buckets.tracking",
	"INTERRUPT_BUCKET": "buckets.interrupt",
	"COMPLETE_BUCKET":  "buckets.complete",
	"TABLE_REGION":     "tables.region",
	"FENCE_BACKEND":    "fence.backend",
	"REDIS_ADDR":       "fence.redis_addr",
	"NOTIFY_TOPIC_ARN": "notify.topic_arn",
	"RETRY_TARGET_ARN": "retry.target_arn",
	"RETRY_ROLE_ARN":   "retry.role_arn",
	"QUEUE_URL":        "daemon.queue_url",
	"LOOKUP_SOURCE":    "lookup.source",
	"TARGET_CAPACITY":  "launch.target_capacity",
	"METRICS_ADDR":     "observability.metrics.addr",
	"TRACE_EXPORTER":   "observability.tracing.exporter",
	"LOG_LEVEL":        "log.level",
	"LOG_FORMAT":       "log.format",
}

func envParams() map[string]string {
	params := make(map[string]string)
	for suffix, key := range envKeys {
		if v := os.Getenv(envPrefix + suffix); v != "" {
			params[key] = v
		}
	}
	return params
}

// applyParams sets flat dotted keys, as found in SSM and the environment
func applyParams(cfg *Config, params map[string]string) error {
	for key, value := range params {
		switch key {
		case "regions_to_use":
			cfg.RegionsToUse = splitList(value)
		case "observability.metrics.addr":
			cfg.Observability.Metrics.Addr = value
			cfg.Observability.Metrics.Enabled = true
		case "observability.tracing.exporter":
			cfg.Observability.Tracing.Exporter = value
			cfg.Observability.Tracing.Enabled = value != "none"
		case "exclude_regions":
			cfg.ExcludeRegions = splitList(value)
		case "instance_type":
			cfg.InstanceType = value
		case "key_name":
			cfg.KeyName = value
		case "on_demand_price":
			cfg.OnDemandPrice = value
		case "user_data_file":
			cfg.UserDataFile = value
		case "home_region":
			cfg.HomeRegion = value
		case "assume_role_arn":
			cfg.AssumeRoleARN = value
		case "buckets.tracking":
			cfg.Buckets.Tracking = value
		case "buckets.interrupt":
			cfg.Buckets.Interrupt = value
		case "buckets.complete":
			cfg.Buckets.Complete = value
		case "tables.region":
			cfg.Tables.Region = value
		case "fence.backend":
			cfg.Fence.Backend = value
		case "fence.redis_addr":
			cfg.Fence.RedisAddr = value
		case "notify.topic_arn":
			cfg.Notify.TopicARN = value
		case "retry.target_arn":
			cfg.Retry.TargetARN = value
		case "retry.role_arn":
			cfg.Retry.RoleARN = value
		case "daemon.queue_url":
			cfg.Daemon.QueueURL = value
		case "lookup.source":
			cfg.Lookup.Source = value
		case "log.level":
			cfg.Log.Level = value
		case "log.format":
			cfg.Log.Format = value
		case "sweep.max_checks":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Sweep.MaxChecks = n
		case "launch.target_capacity":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Launch.TargetCapacity = n
		case "launch.poll_timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Launch.PollTimeout = Duration{d}
		}
	}
	return nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if len(o.Regions) > 0 {
		cfg.RegionsToUse = o.Regions
	}
	if o.InstanceType != "" {
		cfg.InstanceType = o.InstanceType
	}
	if o.KeyName != "" {
		cfg.KeyName = o.KeyName
	}
	if o.OnDemandPrice != "" {
		cfg.OnDemandPrice = o.OnDemandPrice
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports the first missing or invalid setting
func (c *Config) Validate() error {
	var missing []string
	if len(c.RegionsToUse) == 0 {
		missing = append(missing, "regions_to_use")
	}
	if c.InstanceType == "" {
		missing = append(missing, "instance_type")
	}
	if c.Buckets.Tracking == "" {
		missing = append(missing, "buckets.tracking")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.OnDemandPrice != "" {
		if _, err := strconv.ParseFloat(c.OnDemandPrice, 64); err != nil {
			return fmt.Errorf("on_demand_price %q is not a number", c.OnDemandPrice)
		}
	}
	if c.Sweep.MaxChecks < 1 {
		return fmt.Errorf("sweep.max_checks must be at least 1")
	}
	if c.Selection.MaxRegions < 1 {
		return fmt.Errorf("selection.max_regions must be at least 1")
	}
	switch c.Fence.Backend {
	case "dynamodb", "none":
	case "redis":
		if c.Fence.RedisAddr == "" {
			return fmt.Errorf("fence.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown fence backend %q", c.Fence.Backend)
	}
	switch c.Lookup.Source {
	case "file", "ssm", "inline":
	default:
		return fmt.Errorf("unknown lookup source %q", c.Lookup.Source)
	}
	return c.Observability.Validate()
}
