package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"github.com/scttfrdmn/spotkeeper/pkg/logger"
	"github.com/scttfrdmn/spotkeeper/pkg/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const Version = "0.3.0"

var (
	configFile    string
	ssmPath       string
	regionsFlag   []string
	instanceType  string
	keyName       string
	onDemandPrice string
	logLevel      string
)

var rootCmd = &cobra.Command{
	Use:   "spotkeeper",
	Short: "Keep a spot fleet at its target size across regions",
	Long: `spotkeeper - spot capacity lifecycle orchestrator

spotkeeper places spot instances for a batch workload in the cheapest
regions that currently have capacity, tracks every request in S3, and
replaces capacity that fails to start or is reclaimed:
  • Ranks regions by placement score and interruption-free score
  • Spreads a batch across regions, falling through zones on capacity errors
  • Sweeps pending requests and replaces the ones that never start
  • Replaces reclaimed instances once per interruption warning
  • Alerts and schedules a retry when capacity runs out

Examples:
  # Launch 20 units
  spotkeeper launch --count 20

  # Reconcile pending requests once
  spotkeeper sweep

  # Show tracked requests
  spotkeeper status

  # Run sweeps and the interruption queue consumer
  spotkeeper run`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default ~/.spotkeeper/config.yaml)")
	flags.StringVar(&ssmPath, "ssm-path", "", "Read overrides from SSM Parameter Store under this path")
	flags.StringSliceVar(&regionsFlag, "regions", nil, "Candidate regions, wildcards allowed (e.g. us-*,eu-west-1)")
	flags.StringVar(&instanceType, "instance-type", "", "Instance type to request")
	flags.StringVar(&keyName, "key-name", "", "EC2 key pair name")
	flags.StringVar(&onDemandPrice, "on-demand-price", "", "Maximum spot price per hour")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// loadConfig applies flags, environment, file and SSM in that precedence
func loadConfig(ctx context.Context) (*config.Config, error) {
	opts := config.Options{
		Overrides: config.Overrides{
			ConfigFile:    configFile,
			Regions:       regionsFlag,
			InstanceType:  instanceType,
			KeyName:       keyName,
			OnDemandPrice: onDemandPrice,
			LogLevel:      logLevel,
		},
		SSMPath: ssmPath,
	}
	if ssmPath != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		opts.SSM = ssm.NewFromConfig(awsCfg)
	}
	return config.Load(ctx, opts)
}

// setup loads the configuration and wires an orchestrator. The caller
// closes it.
func setup(ctx context.Context) (*orchestrator.Orchestrator, *zap.Logger, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.New(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return orch, log, nil
}

func closeOrchestrator(orch *orchestrator.Orchestrator, log *zap.Logger) {
	if err := orch.Close(context.Background()); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
}
