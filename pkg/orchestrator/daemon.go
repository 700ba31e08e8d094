package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/scttfrdmn/spotkeeper/pkg/observability/metrics"
	"github.com/scttfrdmn/spotkeeper/pkg/poll"
	"github.com/scttfrdmn/spotkeeper/pkg/reclaim"
	"go.uber.org/zap"
)

const (
	receiveBatch = 10
	// receiveBackoff is waited after a failed receive
	receiveBackoff = 5 * time.Second
)

// Run sweeps every daemon.sweep_interval and, when a queue is configured,
// handles interruption notices from it. It serves metrics when enabled
// and returns once ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.cfg.Daemon.SweepInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if o.cfg.Observability.Metrics.Enabled {
		o.server = metrics.NewServer(o.cfg.Observability.Metrics, o.Registry, interval, o.log.Named("metrics"))
		if _, err := o.server.Start(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	if o.cfg.Daemon.QueueURL != "" && o.deps.SQS != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.consume(ctx)
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("daemon started",
		zap.Duration("sweep_interval", interval),
		zap.String("queue", o.cfg.Daemon.QueueURL))

	o.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			o.log.Info("daemon stopped")
			return nil
		case <-ticker.C:
			o.sweepOnce(ctx)
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	result, err := o.Sweeper.Run(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.log.Error("sweep failed", zap.Error(err))
		}
		return
	}
	if o.server != nil {
		o.server.SweepFinished(time.Now())
	}
	o.log.Info("sweep complete",
		zap.Int("checked", result.Checked),
		zap.Int("promoted", result.Promoted),
		zap.Int("failed", result.Failed),
		zap.Int("replacements", result.ReplacementsNeeded))
}

func (o *Orchestrator) consume(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := o.PollQueue(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Warn("queue receive failed", zap.Error(err))
			if poll.Sleep(ctx, receiveBackoff) != nil {
				return
			}
		}
	}
}

// PollQueue receives one batch of interruption notices and handles them.
// A message is deleted once handled, or when it carries some other event;
// a message that fails to decode or to handle is left for redelivery.
// It returns the number of notices handled.
func (o *Orchestrator) PollQueue(ctx context.Context) (int, error) {
	out, err := o.deps.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(o.cfg.Daemon.QueueURL),
		MaxNumberOfMessages: receiveBatch,
		WaitTimeSeconds:     int32(o.cfg.Daemon.QueueWait.Seconds()),
	})
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, msg := range out.Messages {
		log := o.log.With(zap.String("message_id", aws.ToString(msg.MessageId)))

		notice, err := reclaim.ParseEvent([]byte(aws.ToString(msg.Body)))
		switch {
		case errors.Is(err, reclaim.ErrNotInterruption):
			log.Debug("dropping unrelated event")
		case err != nil:
			log.Warn("undecodable message left on queue", zap.Error(err))
			continue
		default:
			if _, err := o.Reclaimer.OnReclamation(ctx, notice); err != nil {
				log.Error("reclamation failed", zap.String("instance_id", notice.InstanceID), zap.Error(err))
				continue
			}
			handled++
		}

		if _, err := o.deps.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(o.cfg.Daemon.QueueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			log.Warn("failed to delete message", zap.Error(err))
		}
	}
	return handled, nil
}
