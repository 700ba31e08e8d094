package reclaim

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// DetailType is the EventBridge detail-type of a spot interruption warning
const DetailType = "EC2 Spot Instance Interruption Warning"

// ErrNotInterruption is returned for events of any other type
var ErrNotInterruption = errors.New("not a spot interruption warning")

// Notice is one reclamation warning
type Notice struct {
	InstanceID string
	Region     string
	Time       time.Time
	Action     string
	Resources  []string
}

type interruptionDetail struct {
	InstanceID     string `json:"instance-id"`
	InstanceAction string `json:"instance-action"`
}

// FromCloudWatchEvent extracts the notice from an EventBridge event
func FromCloudWatchEvent(event events.CloudWatchEvent) (Notice, error) {
	if event.DetailType != DetailType {
		return Notice{}, fmt.Errorf("%w: %q", ErrNotInterruption, event.DetailType)
	}

	var detail interruptionDetail
	if err := json.Unmarshal(event.Detail, &detail); err != nil {
		return Notice{}, fmt.Errorf("failed to decode interruption detail: %w", err)
	}
	if detail.InstanceID == "" {
		return Notice{}, fmt.Errorf("interruption event %s has no instance-id", event.ID)
	}

	return Notice{
		InstanceID: detail.InstanceID,
		Region:     event.Region,
		Time:       event.Time,
		Action:     detail.InstanceAction,
		Resources:  event.Resources,
	}, nil
}

// ParseEvent decodes a raw EventBridge envelope, as delivered in an SQS
// message body
func ParseEvent(data []byte) (Notice, error) {
	var event events.CloudWatchEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return Notice{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return FromCloudWatchEvent(event)
}

// FromSQSMessage decodes the event carried in an SQS message
func FromSQSMessage(msg events.SQSMessage) (Notice, error) {
	return ParseEvent([]byte(msg.Body))
}
