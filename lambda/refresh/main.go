package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/scttfrdmn/spotkeeper/pkg/logger"
	"github.com/scttfrdmn/spotkeeper/pkg/orchestrator"
	"github.com/scttfrdmn/spotkeeper/pkg/refresh"
	"go.uber.org/zap"
)

// envJob names the job a deployed function runs when the event has none
const envJob = "SPOTKEEPER_REFRESH_JOB"

// Response reports rows written
type Response struct {
	Job     string `json:"job"`
	Written int    `json:"written"`
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

// handler is invoked on a schedule or by the refresh fan-out. The same
// binary is deployed once per job.
func handler(ctx context.Context, event refresh.Event) (*Response, error) {
	defer orch.Flush(ctx)

	job := event.Job
	if job == "" {
		job = os.Getenv(envJob)
	}
	if job == "" {
		return nil, fmt.Errorf("no refresh job in event or %s", envJob)
	}

	zl := base.With(zap.String("job", job))
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		zl = logger.ForLambda(zl, lambdacontext.FunctionName, lc.AwsRequestID)
	}

	n, err := orch.Refresh(ctx, job)
	if err != nil {
		zl.Error("refresh failed", zap.Int("written", n), zap.Error(err))
		return nil, err
	}
	zl.Info("refresh complete", zap.Int("written", n))
	return &Response{Job: job, Written: n}, nil
}
