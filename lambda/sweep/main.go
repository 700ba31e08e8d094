package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/scttfrdmn/spotkeeper/pkg/logger"
	"github.com/scttfrdmn/spotkeeper/pkg/orchestrator"
	"go.uber.org/zap"
)

// Response summarises one pass
type Response struct {
	Checked      int    `json:"checked"`
	Promoted     int    `json:"promoted"`
	Incremented  int    `json:"incremented"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	Replacements int    `json:"replacements"`
	Placed       int    `json:"placed"`
	LaunchError  string `json:"launch_error,omitempty"`
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

// handler is triggered by an EventBridge schedule; the event body is unused
func handler(ctx context.Context, event events.CloudWatchEvent) (*Response, error) {
	defer orch.Flush(ctx)

	zl := base
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		zl = logger.ForLambda(base, lambdacontext.FunctionName, lc.AwsRequestID)
	}

	result, err := orch.Sweeper.Run(ctx)
	if err != nil {
		zl.Error("sweep failed", zap.Error(err))
		return nil, err
	}

	resp := &Response{
		Checked:      result.Checked,
		Promoted:     result.Promoted,
		Incremented:  result.Incremented,
		Failed:       result.Failed,
		Skipped:      result.Skipped,
		Replacements: result.ReplacementsNeeded,
	}
	if result.Launch != nil {
		resp.Placed = result.Launch.Placed()
	}
	if result.LaunchErr != nil {
		resp.LaunchError = result.LaunchErr.Error()
	}
	zl.Info("sweep complete",
		zap.Int("checked", resp.Checked),
		zap.Int("failed", resp.Failed),
		zap.Int("replacements", resp.Replacements))
	return resp, nil
}
