package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// RequestState is the orchestrator's view of a spot request
type RequestState string

const (
	StateOpen                 RequestState = "open"
	StateActive               RequestState = "active"
	StateFailed               RequestState = "failed"
	StateCancelled            RequestState = "cancelled"
	StateClosed               RequestState = "closed"
	StateMarkedForTermination RequestState = "marked-for-termination"
	StateUnknown              RequestState = "unknown"
)

// StateOf maps a provider request onto RequestState. An active request
// whose instance is already marked for reclamation counts as lost.
func StateOf(req types.SpotInstanceRequest) RequestState {
	if req.Status != nil && aws.ToString(req.Status.Code) == string(StateMarkedForTermination) {
		return StateMarkedForTermination
	}
	switch req.State {
	case types.SpotInstanceStateOpen:
		return StateOpen
	case types.SpotInstanceStateActive:
		return StateActive
	case types.SpotInstanceStateFailed:
		return StateFailed
	case types.SpotInstanceStateCancelled:
		return StateCancelled
	case types.SpotInstanceStateClosed, types.SpotInstanceStateDisabled:
		return StateClosed
	default:
		return StateUnknown
	}
}

// SpotRequest is a trimmed view of a provider spot request
type SpotRequest struct {
	ID               string
	Region           string
	AvailabilityZone string
	State            RequestState
	StatusCode       string
	InstanceID       string
}

// DescribeSpotRequests fetches the given request ids in region
func DescribeSpotRequests(ctx context.Context, client EC2API, region string, ids []string) ([]SpotRequest, error) {
	out, err := client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
	})
	if err != nil {
		return nil, err
	}

	requests := make([]SpotRequest, 0, len(out.SpotInstanceRequests))
	for _, r := range out.SpotInstanceRequests {
		req := SpotRequest{
			ID:         aws.ToString(r.SpotInstanceRequestId),
			Region:     region,
			State:      StateOf(r),
			InstanceID: aws.ToString(r.InstanceId),
		}
		if r.LaunchedAvailabilityZone != nil {
			req.AvailabilityZone = *r.LaunchedAvailabilityZone
		} else if r.LaunchSpecification != nil && r.LaunchSpecification.Placement != nil {
			req.AvailabilityZone = aws.ToString(r.LaunchSpecification.Placement.AvailabilityZone)
		}
		if r.Status != nil {
			req.StatusCode = aws.ToString(r.Status.Code)
		}
		requests = append(requests, req)
	}
	return requests, nil
}

// DescribeSpotRequest fetches a single request. A request the provider no
// longer knows is returned with StateUnknown and a nil error.
func DescribeSpotRequest(ctx context.Context, client EC2API, region, id string) (SpotRequest, error) {
	requests, err := DescribeSpotRequests(ctx, client, region, []string{id})
	if err != nil {
		if IsRequestNotFound(err) {
			return SpotRequest{ID: id, Region: region, State: StateUnknown}, nil
		}
		return SpotRequest{}, err
	}
	if len(requests) == 0 {
		return SpotRequest{ID: id, Region: region, State: StateUnknown}, nil
	}
	return requests[0], nil
}

// CancelSpotRequests cancels ids; cancelling an already closed request is a no-op at the provider
func CancelSpotRequests(ctx context.Context, client EC2API, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := client.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel spot requests %v: %w", ids, err)
	}
	return nil
}

// InstanceDetails is what the reclamation and completion paths need from an instance
type InstanceDetails struct {
	InstanceID       string
	RequestID        string
	InstanceType     string
	AvailabilityZone string
	LaunchTime       string
}

// DescribeInstance resolves an instance, including the spot request it came from
func DescribeInstance(ctx context.Context, client EC2API, instanceID string) (*InstanceDetails, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			details := &InstanceDetails{
				InstanceID:   aws.ToString(inst.InstanceId),
				RequestID:    aws.ToString(inst.SpotInstanceRequestId),
				InstanceType: string(inst.InstanceType),
			}
			if inst.Placement != nil {
				details.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
			}
			if inst.LaunchTime != nil {
				details.LaunchTime = inst.LaunchTime.UTC().Format("2006-01-02T15:04:05Z")
			}
			return details, nil
		}
	}
	return nil, fmt.Errorf("instance %s not found", instanceID)
}

// LatestSpotPrice returns the most recent Linux/UNIX spot price for type in zone
func LatestSpotPrice(ctx context.Context, client EC2API, instanceType, zone string) (string, error) {
	out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		AvailabilityZone:    aws.String(zone),
		ProductDescriptions: []string{"Linux/UNIX"},
		MaxResults:          aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe spot price history: %w", err)
	}
	if len(out.SpotPriceHistory) == 0 {
		return "", fmt.Errorf("no spot price for %s in %s", instanceType, zone)
	}
	return aws.ToString(out.SpotPriceHistory[0].SpotPrice), nil
}

// TerminateInstances terminates ids
func TerminateInstances(ctx context.Context, client EC2API, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return fmt.Errorf("failed to terminate instances %v: %w", ids, err)
	}
	return nil
}
