package main

import (
	"context"
	"errors"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/scttfrdmn/spotkeeper/pkg/logger"
	"github.com/scttfrdmn/spotkeeper/pkg/orchestrator"
	"github.com/scttfrdmn/spotkeeper/pkg/reclaim"
	"go.uber.org/zap"
)

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

// handler receives "EC2 Spot Instance Interruption Warning" events.
// Other events are acknowledged and ignored.
func handler(ctx context.Context, event events.CloudWatchEvent) (*reclaim.Result, error) {
	defer orch.Flush(ctx)

	zl := base.With(zap.String("event_id", event.ID))
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		zl = logger.ForLambda(zl, lambdacontext.FunctionName, lc.AwsRequestID)
	}

	notice, err := reclaim.FromCloudWatchEvent(event)
	if errors.Is(err, reclaim.ErrNotInterruption) {
		zl.Info("ignoring event", zap.String("detail_type", event.DetailType))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := orch.Reclaimer.OnReclamation(ctx, notice)
	if err != nil {
		zl.Error("reclamation failed", zap.String("instance_id", notice.InstanceID), zap.Error(err))
		return nil, err
	}
	return result, nil
}
