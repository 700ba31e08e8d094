package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
)

// MockEC2Client provides an in-memory spot market for one region
type MockEC2Client struct {
	mu sync.Mutex

	Region string

	// Mock data storage
	SpotRequests    map[string]*types.SpotInstanceRequest
	Instances       map[string]*types.Instance
	Regions         []types.Region
	Zones           []types.AvailabilityZone
	PriceHistory    []types.SpotPrice
	PlacementScores []types.SpotPlacementScore

	// ZoneCapacity caps how many units a zone fulfils; units beyond it come
	// back failed with a capacity status. Zones not listed are unlimited.
	ZoneCapacity map[string]int
	// FulfilledState is the state given to units within capacity (default active)
	FulfilledState types.SpotInstanceState
	// NotVisibleFor makes the next n describe calls fail with NotFound
	NotVisibleFor int

	// Errors to return for specific operations
	RequestSpotInstancesErr         error
	DescribeSpotInstanceRequestsErr error
	CancelSpotInstanceRequestsErr   error
	DescribeInstancesErr            error
	TerminateInstancesErr           error
	DescribeRegionsErr              error
	DescribeAvailabilityZonesErr    error
	DescribeSpotPriceHistoryErr     error
	GetSpotPlacementScoresErr       error

	// Call tracking
	RequestSpotInstancesCalls         int
	DescribeSpotInstanceRequestsCalls int
	CancelSpotInstanceRequestsCalls   int
	DescribeInstancesCalls            int
	TerminateInstancesCalls           int
	DescribeRegionsCalls              int
	DescribeAvailabilityZonesCalls    int
	DescribeSpotPriceHistoryCalls     int
	GetSpotPlacementScoresCalls       int

	// Submitted records every RequestSpotInstances input in order
	Submitted []*ec2.RequestSpotInstancesInput
	// Cancelled records cancelled request ids in order
	Cancelled []string

	seq int
}

// NewMockEC2Client creates a mock with three zones in region
func NewMockEC2Client(region string) *MockEC2Client {
	m := &MockEC2Client{
		Region:         region,
		SpotRequests:   make(map[string]*types.SpotInstanceRequest),
		Instances:      make(map[string]*types.Instance),
		ZoneCapacity:   make(map[string]int),
		FulfilledState: types.SpotInstanceStateActive,
		Regions: []types.Region{
			{RegionName: aws.String("us-east-1")},
			{RegionName: aws.String("us-west-2")},
			{RegionName: aws.String("eu-west-1")},
		},
	}
	for _, suffix := range []string{"a", "b", "c"} {
		m.Zones = append(m.Zones, types.AvailabilityZone{
			ZoneName:   aws.String(region + suffix),
			RegionName: aws.String(region),
			State:      types.AvailabilityZoneStateAvailable,
		})
	}
	return m
}

// AddRequest seeds a spot request in the given state
func (m *MockEC2Client) AddRequest(id string, state types.SpotInstanceState, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := &types.SpotInstanceRequest{
		SpotInstanceRequestId: aws.String(id),
		State:                 state,
		Status:                &types.SpotInstanceStatus{Code: aws.String(string(state))},
	}
	if instanceID != "" {
		req.InstanceId = aws.String(instanceID)
		m.Instances[instanceID] = &types.Instance{
			InstanceId:            aws.String(instanceID),
			SpotInstanceRequestId: aws.String(id),
			InstanceType:          types.InstanceTypeT3Medium,
			Placement:             &types.Placement{AvailabilityZone: aws.String(m.Region + "a")},
			LaunchTime:            aws.Time(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		}
	}
	m.SpotRequests[id] = req
}

// SetState moves a seeded request to state
func (m *MockEC2Client) SetState(id string, state types.SpotInstanceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.SpotRequests[id]; ok {
		req.State = state
		req.Status = &types.SpotInstanceStatus{Code: aws.String(string(state))}
	}
}

// State returns the current state of a request
func (m *MockEC2Client) State(id string) types.SpotInstanceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.SpotRequests[id]; ok {
		return req.State
	}
	return ""
}

func (m *MockEC2Client) RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestSpotInstancesCalls++
	m.Submitted = append(m.Submitted, params)

	if m.RequestSpotInstancesErr != nil {
		return nil, m.RequestSpotInstancesErr
	}

	zone := ""
	var instanceType types.InstanceType
	if spec := params.LaunchSpecification; spec != nil {
		instanceType = spec.InstanceType
		if spec.Placement != nil {
			zone = aws.ToString(spec.Placement.AvailabilityZone)
		}
	}

	count := int(aws.ToInt32(params.InstanceCount))
	capacity, limited := m.ZoneCapacity[zone]

	var out []types.SpotInstanceRequest
	for i := 0; i < count; i++ {
		m.seq++
		id := fmt.Sprintf("sir-%08d", m.seq)
		req := &types.SpotInstanceRequest{
			SpotInstanceRequestId: aws.String(id),
			SpotPrice:             params.SpotPrice,
			Type:                  params.Type,
			LaunchSpecification: &types.LaunchSpecification{
				Placement: &types.SpotPlacement{AvailabilityZone: aws.String(zone)},
			},
		}

		if limited && capacity <= 0 {
			req.State = types.SpotInstanceStateFailed
			req.Status = &types.SpotInstanceStatus{Code: aws.String("capacity-not-available")}
		} else {
			if limited {
				capacity--
			}
			req.State = m.FulfilledState
			req.Status = &types.SpotInstanceStatus{Code: aws.String(string(m.FulfilledState))}
			if m.FulfilledState == types.SpotInstanceStateActive {
				instanceID := fmt.Sprintf("i-%08d", m.seq)
				req.InstanceId = aws.String(instanceID)
				req.LaunchedAvailabilityZone = aws.String(zone)
				m.Instances[instanceID] = &types.Instance{
					InstanceId:            aws.String(instanceID),
					SpotInstanceRequestId: aws.String(id),
					InstanceType:          instanceType,
					Placement:             &types.Placement{AvailabilityZone: aws.String(zone)},
					LaunchTime:            aws.Time(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
				}
			}
		}

		m.SpotRequests[id] = req
		out = append(out, *req)
	}
	if limited {
		m.ZoneCapacity[zone] = capacity
	}

	return &ec2.RequestSpotInstancesOutput{SpotInstanceRequests: out}, nil
}

func (m *MockEC2Client) DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DescribeSpotInstanceRequestsCalls++

	if m.DescribeSpotInstanceRequestsErr != nil {
		return nil, m.DescribeSpotInstanceRequestsErr
	}
	if m.NotVisibleFor > 0 {
		m.NotVisibleFor--
		return nil, notFound(spotaws.CodeRequestNotFound, "The spot instance request ID does not exist")
	}

	var out []types.SpotInstanceRequest
	for _, id := range params.SpotInstanceRequestIds {
		req, ok := m.SpotRequests[id]
		if !ok {
			return nil, notFound(spotaws.CodeRequestNotFound, fmt.Sprintf("The spot instance request ID '%s' does not exist", id))
		}
		out = append(out, *req)
	}

	return &ec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: out}, nil
}

func (m *MockEC2Client) CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelSpotInstanceRequestsCalls++

	if m.CancelSpotInstanceRequestsErr != nil {
		return nil, m.CancelSpotInstanceRequestsErr
	}

	var out []types.CancelledSpotInstanceRequest
	for _, id := range params.SpotInstanceRequestIds {
		m.Cancelled = append(m.Cancelled, id)
		if req, ok := m.SpotRequests[id]; ok {
			req.State = types.SpotInstanceStateCancelled
			req.Status = &types.SpotInstanceStatus{Code: aws.String("canceled-before-fulfillment")}
		}
		out = append(out, types.CancelledSpotInstanceRequest{
			SpotInstanceRequestId: aws.String(id),
			State:                 types.CancelSpotInstanceRequestStateCancelled,
		})
	}

	return &ec2.CancelSpotInstanceRequestsOutput{CancelledSpotInstanceRequests: out}, nil
}

func (m *MockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DescribeInstancesCalls++

	if m.DescribeInstancesErr != nil {
		return nil, m.DescribeInstancesErr
	}

	var instances []types.Instance
	for _, id := range params.InstanceIds {
		inst, ok := m.Instances[id]
		if !ok {
			return nil, notFound(spotaws.CodeInstanceNotFound, fmt.Sprintf("The instance ID '%s' does not exist", id))
		}
		instances = append(instances, *inst)
	}

	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: instances}},
	}, nil
}

func (m *MockEC2Client) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TerminateInstancesCalls++

	if m.TerminateInstancesErr != nil {
		return nil, m.TerminateInstancesErr
	}

	var changes []types.InstanceStateChange
	for _, id := range params.InstanceIds {
		if inst, ok := m.Instances[id]; ok {
			inst.State = &types.InstanceState{Name: types.InstanceStateNameShuttingDown}
		}
		changes = append(changes, types.InstanceStateChange{
			InstanceId:   aws.String(id),
			CurrentState: &types.InstanceState{Name: types.InstanceStateNameShuttingDown},
		})
	}

	return &ec2.TerminateInstancesOutput{TerminatingInstances: changes}, nil
}

func (m *MockEC2Client) DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DescribeRegionsCalls++

	if m.DescribeRegionsErr != nil {
		return nil, m.DescribeRegionsErr
	}

	return &ec2.DescribeRegionsOutput{Regions: m.Regions}, nil
}

func (m *MockEC2Client) DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DescribeAvailabilityZonesCalls++

	if m.DescribeAvailabilityZonesErr != nil {
		return nil, m.DescribeAvailabilityZonesErr
	}

	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: m.Zones}, nil
}

func (m *MockEC2Client) DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DescribeSpotPriceHistoryCalls++

	if m.DescribeSpotPriceHistoryErr != nil {
		return nil, m.DescribeSpotPriceHistoryErr
	}

	var history []types.SpotPrice
	for _, p := range m.PriceHistory {
		if params.AvailabilityZone != nil && aws.ToString(p.AvailabilityZone) != *params.AvailabilityZone {
			continue
		}
		history = append(history, p)
	}
	if params.MaxResults != nil && int(*params.MaxResults) < len(history) {
		history = history[:*params.MaxResults]
	}

	return &ec2.DescribeSpotPriceHistoryOutput{SpotPriceHistory: history}, nil
}

func (m *MockEC2Client) GetSpotPlacementScores(ctx context.Context, params *ec2.GetSpotPlacementScoresInput, optFns ...func(*ec2.Options)) (*ec2.GetSpotPlacementScoresOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetSpotPlacementScoresCalls++

	if m.GetSpotPlacementScoresErr != nil {
		return nil, m.GetSpotPlacementScoresErr
	}

	wanted := make(map[string]bool)
	for _, r := range params.RegionNames {
		wanted[r] = true
	}
	var scores []types.SpotPlacementScore
	for _, s := range m.PlacementScores {
		if len(wanted) == 0 || wanted[aws.ToString(s.Region)] {
			scores = append(scores, s)
		}
	}

	return &ec2.GetSpotPlacementScoresOutput{SpotPlacementScores: scores}, nil
}

// EC2Provider hands out one mock per region, creating them on first use
type EC2Provider struct {
	mu      sync.Mutex
	Clients map[string]*MockEC2Client
}

// NewEC2Provider creates an empty provider
func NewEC2Provider() *EC2Provider {
	return &EC2Provider{Clients: make(map[string]*MockEC2Client)}
}

// EC2 returns the mock for region
func (p *EC2Provider) EC2(region string) spotaws.EC2API {
	return p.Client(region)
}

// Client returns the concrete mock for region
func (p *EC2Provider) Client(region string) *MockEC2Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.Clients[region]; ok {
		return c
	}
	c := NewMockEC2Client(region)
	p.Clients[region] = c
	return c
}

// Helper functions

func notFound(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message, Fault: smithy.FaultClient}
}
