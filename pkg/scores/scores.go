// Package scores reads and writes the three DynamoDB tables that drive
// region and zone choice: latest spot price per zone, spot placement score
// per region/zone, and interruption-free score per region.
package scores

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
	"github.com/scttfrdmn/spotkeeper/pkg/config"
	"go.uber.org/zap"
)

// PriceItem is a row of the price table
type PriceItem struct {
	Region           string  `dynamodbav:"region"`
	AvailabilityZone string  `dynamodbav:"availability_zone"`
	Price            float64 `dynamodbav:"price"`
	Timestamp        string  `dynamodbav:"timestamp"`
}

// PlacementItem is a row of the placement score table
type PlacementItem struct {
	Region             string `dynamodbav:"Region"`
	AvailabilityZoneID string `dynamodbav:"AvailabilityZoneId"`
	SPS                int    `dynamodbav:"SPS"`
	InstanceType       string `dynamodbav:"InstanceType,omitempty"`
	Timestamp          string `dynamodbav:"Timestamp"`
}

// InterruptionItem is a row of the interruption table
type InterruptionItem struct {
	Region                string  `dynamodbav:"Region"`
	InterruptionFreeScore float64 `dynamodbav:"Interruption_free_score"`
	Ratio                 string  `dynamodbav:"Ratio"`
	InstanceType          string  `dynamodbav:"InstanceType,omitempty"`
}

// ZonePrice is the latest known price for a zone
type ZonePrice struct {
	AvailabilityZone string
	Price            float64
	Timestamp        string
}

// Repository is the read and write side of the score tables
type Repository struct {
	db     spotaws.DynamoDBAPI
	tables config.TableConfig
	log    *zap.Logger
}

// NewRepository creates a repository over db
func NewRepository(db spotaws.DynamoDBAPI, tables config.TableConfig, log *zap.Logger) *Repository {
	return &Repository{db: db, tables: tables, log: log}
}

// PlacementScore returns the highest placement score recorded for region,
// or 0 when the table has none
func (r *Repository) PlacementScore(ctx context.Context, region string) (int, error) {
	items, err := r.scanRegion(ctx, r.tables.Placement, "Region", region)
	if err != nil {
		return 0, fmt.Errorf("failed to read placement scores for %s: %w", region, err)
	}

	best := 0
	for _, raw := range items {
		var item PlacementItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			r.log.Warn("skipping malformed placement row", zap.String("region", region), zap.Error(err))
			continue
		}
		if item.SPS > best {
			best = item.SPS
		}
	}
	return best, nil
}

// InterruptionScore returns the interruption-free score for region, or 0
// when the table has none
func (r *Repository) InterruptionScore(ctx context.Context, region string) (float64, error) {
	items, err := r.scanRegion(ctx, r.tables.Interruption, "Region", region)
	if err != nil {
		return 0, fmt.Errorf("failed to read interruption score for %s: %w", region, err)
	}

	for _, raw := range items {
		var item InterruptionItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			// rows written with an "Unknown" score
			r.log.Warn("skipping malformed interruption row", zap.String("region", region), zap.Error(err))
			continue
		}
		return item.InterruptionFreeScore, nil
	}
	return 0, nil
}

// ZonePrices returns the latest price per zone in region, cheapest first.
// Zones with several rows keep the newest.
func (r *Repository) ZonePrices(ctx context.Context, region string) ([]ZonePrice, error) {
	items, err := r.scanRegion(ctx, r.tables.Price, "region", region)
	if err != nil {
		return nil, fmt.Errorf("failed to read zone prices for %s: %w", region, err)
	}

	latest := make(map[string]ZonePrice)
	for _, raw := range items {
		var item PriceItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			r.log.Warn("skipping malformed price row", zap.String("region", region), zap.Error(err))
			continue
		}
		if cur, ok := latest[item.AvailabilityZone]; ok && cur.Timestamp >= item.Timestamp {
			continue
		}
		latest[item.AvailabilityZone] = ZonePrice{
			AvailabilityZone: item.AvailabilityZone,
			Price:            item.Price,
			Timestamp:        item.Timestamp,
		}
	}

	prices := make([]ZonePrice, 0, len(latest))
	for _, p := range latest {
		prices = append(prices, p)
	}
	sort.Slice(prices, func(i, j int) bool {
		if prices[i].Price != prices[j].Price {
			return prices[i].Price < prices[j].Price
		}
		return prices[i].AvailabilityZone < prices[j].AvailabilityZone
	})
	return prices, nil
}

// PutPrice writes a price row
func (r *Repository) PutPrice(ctx context.Context, item PriceItem) error {
	return r.put(ctx, r.tables.Price, item)
}

// PutPlacement writes a placement score row
func (r *Repository) PutPlacement(ctx context.Context, item PlacementItem) error {
	return r.put(ctx, r.tables.Placement, item)
}

// PutInterruption writes an interruption score row
func (r *Repository) PutInterruption(ctx context.Context, item InterruptionItem) error {
	return r.put(ctx, r.tables.Interruption, item)
}

func (r *Repository) put(ctx context.Context, table string, item interface{}) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal %s item: %w", table, err)
	}
	_, err = r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to write %s item: %w", table, err)
	}
	return nil
}

// scanRegion scans table for rows whose attr equals region, following
// pagination
func (r *Repository) scanRegion(ctx context.Context, table, attr, region string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := r.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(table),
			FilterExpression:         aws.String("#attr = :region"),
			ExpressionAttributeNames: map[string]string{"#attr": attr},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":region": &types.AttributeValueMemberS{Value: region},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}
