// Package orchestrator wires the capacity lifecycle components from a
// Config and runs the long-lived daemon loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/lambda"
	schedulersvc "github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"github.com/scttfrdmn/spotkeeper/pkg/fence"
	"github.com/scttfrdmn/spotkeeper/pkg/launcher"
	"github.com/scttfrdmn/spotkeeper/pkg/lookup"
	"github.com/scttfrdmn/spotkeeper/pkg/notify"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/metrics"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/tracing"
	"github.com/scttfrdmn/spotkeeper/pkg/poll"
	"github.com/scttfrdmn/spotkeeper/pkg/reclaim"
	"github.com/scttfrdmn/spotkeeper/pkg/refresh"
	"github.com/scttfrdmn/spotkeeper/pkg/regions"
	"github.com/scttfrdmn/spotkeeper/pkg/scheduler"
	"github.com/scttfrdmn/spotkeeper/pkg/scores"
	"github.com/scttfrdmn/spotkeeper/pkg/sweep"
	"github.com/scttfrdmn/spotkeeper/pkg/tracker"
	"go.uber.org/zap"
)

// QueueAPI is the SQS surface the daemon consumes
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Deps are the provider clients everything runs on. New builds them from
// the AWS configuration; tests pass mocks to NewWithDeps.
type Deps struct {
	EC2       spotaws.EC2Provider
	S3        spotaws.S3API
	ScoresDB  spotaws.DynamoDBAPI
	FenceDB   spotaws.DynamoDBAPI
	SNS       notify.SNSAPI
	Scheduler scheduler.SchedulerAPI
	SQS       QueueAPI
	Lambda    refresh.LambdaAPI
	SSM       lookup.SSMAPI

	// EnabledRegions expands wildcard entries of regions_to_use
	EnabledRegions func(ctx context.Context) ([]string, error)
	// Images overrides the configured lookup source
	Images launcher.ImageResolver
	Tracer *tracing.Tracer
}

// Orchestrator holds one wired instance of every component
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	Tracker   *tracker.Tracker
	Scores    *scores.Repository
	Selector  *regions.Selector
	Launcher  *launcher.Launcher
	Sweeper   *sweep.Sweeper
	Reclaimer *reclaim.Handler
	Refresher *refresh.Refresher
	Registry  *metrics.Registry

	fence     fence.Fence
	publisher *notify.Publisher
	retry     *scheduler.Client
	metrics   *metrics.Recorder
	tracer    *tracing.Tracer
	server    *metrics.Server
	log       *zap.Logger
}

// New builds AWS clients for cfg and wires every component
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Orchestrator, error) {
	client, err := spotaws.NewClient(ctx, cfg.HomeRegion, cfg.AssumeRoleARN)
	if err != nil {
		return nil, err
	}

	awsCfg := client.Config()
	if cfg.Observability.Tracing.Enabled {
		tracing.InstrumentAWSConfig(&awsCfg)
		client = spotaws.NewFromConfig(awsCfg)
	}

	tracer, err := tracing.NewTracer(ctx, cfg.Observability.Tracing, awsCfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	deps := Deps{
		EC2:            client,
		S3:             client.S3(),
		ScoresDB:       client.DynamoDB(cfg.Tables.Region),
		FenceDB:        client.DynamoDB(""),
		SNS:            sns.NewFromConfig(awsCfg),
		Scheduler:      schedulersvc.NewFromConfig(awsCfg),
		SQS:            sqs.NewFromConfig(awsCfg),
		Lambda:         lambda.NewFromConfig(awsCfg),
		SSM:            ssm.NewFromConfig(awsCfg),
		EnabledRegions: client.EnabledRegions,
		Tracer:         tracer,
	}
	return NewWithDeps(ctx, cfg, deps, log)
}

// NewWithDeps wires every component over deps
func NewWithDeps(ctx context.Context, cfg *config.Config, deps Deps, log *zap.Logger) (*Orchestrator, error) {
	registry := metrics.NewRegistry()
	if cfg.Observability.Metrics.Enabled {
		registry = metrics.NewProcessRegistry()
	}
	rec := metrics.NewRecorder(registry)

	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		Registry: registry,
		metrics:  rec,
		tracer:   deps.Tracer,
		log:      log,
	}

	o.Tracker = tracker.New(deps.S3, cfg.Buckets.Tracking, rec, log.Named("tracker"))
	if err := registry.Register(metrics.NewCollector(o.Tracker)); err != nil {
		return nil, fmt.Errorf("failed to register marker collector: %w", err)
	}

	o.Scores = scores.NewRepository(deps.ScoresDB, cfg.Tables, log.Named("scores"))
	o.Selector = regions.NewSelector(o.Scores, cfg.Selection.MinScore, cfg.Selection.MaxRegions, log.Named("regions"))

	f, err := fence.New(cfg.Fence, deps.FenceDB, cfg.Tables.Fence, log.Named("fence"))
	if err != nil {
		return nil, err
	}
	o.fence = f

	userData, err := readUserData(cfg.UserDataFile)
	if err != nil {
		return nil, err
	}

	images := deps.Images
	if images == nil {
		images = &lazyResolver{load: func(ctx context.Context) (*lookup.Resolver, error) {
			return lookup.Load(ctx, cfg.Lookup, deps.SSM)
		}}
	}

	o.Launcher = launcher.New(deps.EC2, images, o.Scores, o.Tracker, launcher.Options{
		InstanceType:  cfg.InstanceType,
		KeyName:       cfg.KeyName,
		OnDemandPrice: cfg.OnDemandPrice,
		UserData:      userData,
		Poll: poll.Config{
			InitialDelay: cfg.Launch.InitialWait.Duration,
			Interval:     cfg.Launch.PollInterval.Duration,
			MaxAttempts:  cfg.Launch.MaxPolls,
			Timeout:      cfg.Launch.PollTimeout.Duration,
		},
	}, rec, deps.Tracer, log.Named("launcher"))

	o.publisher = notify.NewPublisher(deps.SNS, cfg.Notify.TopicARN, log.Named("notify"))
	o.retry = scheduler.NewClient(deps.Scheduler, cfg.Retry)

	o.Sweeper = sweep.New(deps.EC2, o.Tracker, f, o, cfg.Sweep.MaxChecks, rec, deps.Tracer, log.Named("sweep"))
	o.Reclaimer = reclaim.New(deps.EC2, deps.S3, cfg.Buckets.Interrupt, o.Tracker, f, o, rec, deps.Tracer, log.Named("reclaim"))
	o.Refresher = refresh.New(deps.EC2, o.Scores, refresh.Options{
		HomeRegion:     cfg.HomeRegion,
		InstanceType:   cfg.InstanceType,
		PriceWindow:    cfg.Refresh.PriceWindow.Duration,
		TargetCapacity: cfg.Refresh.TargetCapacity,
	}, rec, log.Named("refresh"))

	return o, nil
}

// Config returns the configuration the orchestrator was built from
func (o *Orchestrator) Config() *config.Config {
	return o.cfg
}

// Refresh runs one score refresh job over the candidate regions
func (o *Orchestrator) Refresh(ctx context.Context, job string) (int, error) {
	candidates, err := o.Candidates(ctx)
	if err != nil {
		return 0, err
	}
	return o.Refresher.Run(ctx, job, candidates, o.cfg.Refresh.InterruptionRatios)
}

// FanOutRefresh invokes the configured refresh functions in parallel
func (o *Orchestrator) FanOutRefresh(ctx context.Context) []refresh.Result {
	return refresh.FanOut(ctx, o.deps.Lambda, o.cfg.Refresh.Functions, o.log.Named("refresh"))
}

// Close flushes traces and releases backend connections
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	if closer, ok := o.fence.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	errs = append(errs, o.tracer.Shutdown(ctx))
	return errors.Join(errs...)
}

func readUserData(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read user data: %w", err)
	}
	return string(data), nil
}

// lazyResolver loads the lookup tables on first use, so commands that
// never launch do not need them. A failed load is retried on the next
// call.
type lazyResolver struct {
	mu       sync.Mutex
	load     func(ctx context.Context) (*lookup.Resolver, error)
	resolver *lookup.Resolver
}

func (l *lazyResolver) Resolve(ctx context.Context, region string) (string, string, error) {
	resolver, err := l.tables(ctx)
	if err != nil {
		return "", "", fmt.Errorf("lookup tables unavailable: %w", err)
	}
	return resolver.Resolve(ctx, region)
}

func (l *lazyResolver) tables(ctx context.Context) (*lookup.Resolver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolver != nil {
		return l.resolver, nil
	}
	resolver, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	l.resolver = resolver
	return resolver, nil
}
