// Package notify publishes operator alerts to SNS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSAPI is the subset of SNS used for alerts
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// ShortfallAlert describes a batch that could not reach its target
type ShortfallAlert struct {
	Requested     int       `json:"requested"`
	Shortfall     int       `json:"shortfall"`
	Trigger       string    `json:"trigger"`
	Regions       []string  `json:"regions,omitempty"`
	RetrySchedule string    `json:"retry_schedule,omitempty"`
	Time          time.Time `json:"time"`
}

// Publisher sends alerts to one topic. With no topic it does nothing.
type Publisher struct {
	client   SNSAPI
	topicARN string
	log      *zap.Logger
}

// NewPublisher creates a Publisher
func NewPublisher(client SNSAPI, topicARN string, log *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, log: log}
}

// Shortfall publishes a shortfall alert
func (p *Publisher) Shortfall(ctx context.Context, alert ShortfallAlert) error {
	if p == nil || p.topicARN == "" {
		return nil
	}
	if alert.Time.IsZero() {
		alert.Time = time.Now().UTC()
	}

	body, err := json.MarshalIndent(alert, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	subject := fmt.Sprintf("spotkeeper: %d of %d units not placed", alert.Shortfall, alert.Requested)
	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"trigger": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.Trigger),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	p.log.Info("shortfall alert published",
		zap.Int("shortfall", alert.Shortfall),
		zap.String("topic", p.topicARN))
	return nil
}
