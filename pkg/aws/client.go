package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const sessionName = "spotkeeper"

// EC2API is the slice of EC2 the orchestrator drives
type EC2API interface {
	RequestSpotInstances(ctx context.Context, params *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	DescribeSpotInstanceRequests(ctx context.Context, params *ec2.DescribeSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotInstanceRequestsOutput, error)
	CancelSpotInstanceRequests(ctx context.Context, params *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, params *ec2.DescribeSpotPriceHistoryInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
	GetSpotPlacementScores(ctx context.Context, params *ec2.GetSpotPlacementScoresInput, optFns ...func(*ec2.Options)) (*ec2.GetSpotPlacementScoresOutput, error)
}

// EC2Provider hands out an EC2 client per region
type EC2Provider interface {
	EC2(region string) EC2API
}

// S3API is the slice of S3 used for markers and records
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// DynamoDBAPI is the slice of DynamoDB used by the score tables and the fence
type DynamoDBAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client holds the shared AWS configuration and caches regional EC2 clients
type Client struct {
	cfg aws.Config

	mu  sync.Mutex
	ec2 map[string]*ec2.Client
}

// NewClient loads the default credential chain for homeRegion. When
// assumeRoleARN is set, every client built from it acts in that role.
func NewClient(ctx context.Context, homeRegion, assumeRoleARN string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(homeRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if assumeRoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), assumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = sessionName
			o.Duration = time.Hour
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return NewFromConfig(cfg), nil
}

// NewFromConfig wraps an existing configuration
func NewFromConfig(cfg aws.Config) *Client {
	return &Client{
		cfg: cfg,
		ec2: make(map[string]*ec2.Client),
	}
}

// Config returns a copy of the underlying configuration
func (c *Client) Config() aws.Config {
	return c.cfg.Copy()
}

// ConfigFor returns a copy of the configuration pinned to region
func (c *Client) ConfigFor(region string) aws.Config {
	cfg := c.cfg.Copy()
	cfg.Region = region
	return cfg
}

// EC2 returns the cached EC2 client for region
func (c *Client) EC2(region string) EC2API {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.ec2[region]; ok {
		return client
	}
	client := ec2.NewFromConfig(c.ConfigFor(region))
	c.ec2[region] = client
	return client
}

// S3 returns an S3 client in the home region
func (c *Client) S3() *s3.Client {
	return s3.NewFromConfig(c.cfg)
}

// DynamoDB returns a DynamoDB client in region, or the home region when empty
func (c *Client) DynamoDB(region string) *dynamodb.Client {
	if region == "" {
		return dynamodb.NewFromConfig(c.cfg)
	}
	return dynamodb.NewFromConfig(c.ConfigFor(region))
}

// EnabledRegions returns the regions enabled for this account, which
// respects any SCP restrictions
func (c *Client) EnabledRegions(ctx context.Context) ([]string, error) {
	result, err := c.EC2(c.cfg.Region).DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe regions: %w", err)
	}

	regions := make([]string, 0, len(result.Regions))
	for _, region := range result.Regions {
		if region.RegionName != nil {
			regions = append(regions, *region.RegionName)
		}
	}
	return regions, nil
}

// CallerIdentity returns the account id and ARN the client acts as
func (c *Client) CallerIdentity(ctx context.Context) (accountID, arn string, err error) {
	out, err := sts.NewFromConfig(c.cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	return aws.ToString(out.Account), aws.ToString(out.Arn), nil
}
