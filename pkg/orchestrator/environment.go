package orchestrator

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"github.com/scttfrdmn/spotkeeper/pkg/logger"
	"go.uber.org/zap"
)

// EnvSSMPath enables Parameter Store overrides for Lambda functions
const EnvSSMPath = "SPOTKEEPER_SSM_PATH"

// FromEnvironment builds an orchestrator for a Lambda function. Settings
// come from SPOTKEEPER_* variables and, when SPOTKEEPER_SSM_PATH is set,
// from Parameter Store. Logs are JSON unless SPOTKEEPER_LOG_FORMAT says
// otherwise.
func FromEnvironment(ctx context.Context) (*Orchestrator, *zap.Logger, error) {
	opts := config.Options{SSMPath: os.Getenv(EnvSSMPath)}
	if opts.SSMPath != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		opts.SSM = ssm.NewFromConfig(awsCfg)
	}

	cfg, err := config.Load(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	if os.Getenv("SPOTKEEPER_LOG_FORMAT") == "" {
		cfg.Log.Format = "json"
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	orch, err := New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return orch, log, nil
}

// Flush exports buffered spans at the end of an invocation
func (o *Orchestrator) Flush(ctx context.Context) {
	if err := o.tracer.Flush(ctx); err != nil {
		o.log.Warn("failed to flush traces", zap.Error(err))
	}
}
