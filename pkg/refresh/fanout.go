package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// LambdaAPI is the subset of Lambda used by FanOut
type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Result is the outcome of one function invocation
type Result struct {
	Function string
	Payload  []byte
	Err      error
}

// Event is the payload sent to each refresh function
type Event struct {
	Job string `json:"job,omitempty"`
}

// FanOut invokes every function synchronously and in parallel. Results are
// returned in the order of functions; one failure never stops the others.
func FanOut(ctx context.Context, client LambdaAPI, functions []string, log *zap.Logger) []Result {
	results := make([]Result, len(functions))

	var wg sync.WaitGroup
	for i, fn := range functions {
		wg.Add(1)
		go func(i int, fn string) {
			defer wg.Done()
			results[i] = invoke(ctx, client, fn)
			if results[i].Err != nil {
				log.Warn("refresh function failed", zap.String("function", fn), zap.Error(results[i].Err))
			} else {
				log.Info("refresh function completed", zap.String("function", fn))
			}
		}(i, fn)
	}
	wg.Wait()

	return results
}

func invoke(ctx context.Context, client LambdaAPI, fn string) Result {
	payload, _ := json.Marshal(Event{})

	out, err := client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(fn),
		InvocationType: types.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		return Result{Function: fn, Err: err}
	}
	if out.FunctionError != nil {
		return Result{
			Function: fn,
			Payload:  out.Payload,
			Err:      fmt.Errorf("function %s returned %s: %s", fn, aws.ToString(out.FunctionError), out.Payload),
		}
	}
	return Result{Function: fn, Payload: out.Payload}
}

// Failed returns the results that carry an error
func Failed(results []Result) []Result {
	return lo.Filter(results, func(r Result, _ int) bool {
		return r.Err != nil
	})
}
