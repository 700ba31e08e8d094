package main

import (
	"context"
	"errors"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/scttfrdmn/spotkeeper/pkg/launcher"
	"github.com/scttfrdmn/spotkeeper/pkg/logger"
	"github.com/scttfrdmn/spotkeeper/pkg/orchestrator"
	"github.com/scttfrdmn/spotkeeper/pkg/regions"
	"github.com/scttfrdmn/spotkeeper/pkg/scheduler"
	"go.uber.org/zap"
)

// Response summarises the launch for the caller
type Response struct {
	Requested int      `json:"requested"`
	Active    int      `json:"active"`
	Open      int      `json:"open"`
	Failed    int      `json:"failed"`
	Shortfall int      `json:"shortfall"`
	Skipped   []string `json:"skipped_regions,omitempty"`
	Error     string   `json:"error,omitempty"`
}

var (
	orch *orchestrator.Orchestrator
	base *zap.Logger
)

func init() {
	var err error
	orch, base, err = orchestrator.FromEnvironment(context.Background())
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
}

func main() {
	lambda.Start(handler)
}

// handler serves direct invocations and cooldown retry schedules; both
// send a RetryPayload. A zero count launches launch.target_capacity.
func handler(ctx context.Context, event scheduler.RetryPayload) (*Response, error) {
	defer orch.Flush(ctx)

	zl := base
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		zl = logger.ForLambda(base, lambdacontext.FunctionName, lc.AwsRequestID)
	}

	count := event.Count
	if count == 0 {
		count = orch.Config().Launch.TargetCapacity
	}
	reason := event.Reason
	if reason == "" {
		reason = "launch"
	}
	zl.Info("launch requested", zap.Int("count", count), zap.String("reason", reason))

	out, err := orch.Replenish(ctx, count, reason)
	resp := &Response{
		Requested: out.Requested,
		Active:    len(out.Active),
		Open:      len(out.Open),
		Failed:    len(out.Failed),
		Shortfall: out.Shortfall,
		Skipped:   out.Skipped,
	}

	// a shortfall already has its retry scheduled; failing the invocation
	// would make Lambda retry the whole batch
	var exhausted *launcher.CapacityExhaustedError
	if errors.As(err, &exhausted) || errors.Is(err, regions.ErrNoSuitableRegion) {
		zl.Warn("launch short", zap.Int("shortfall", resp.Shortfall), zap.Error(err))
		resp.Error = err.Error()
		return resp, nil
	}
	if err != nil {
		zl.Error("launch failed", zap.Error(err))
		return resp, err
	}
	return resp, nil
}
