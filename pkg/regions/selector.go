// Package regions picks the regions a batch is spread across, ranked by
// placement score plus interruption-free score.
package regions

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
)

// ErrNoSuitableRegion means no candidate reached the minimum score.
// Callers decide whether to wait, alert or give up.
var ErrNoSuitableRegion = errors.New("no suitable region")

// Defaults for Selector
const (
	DefaultMinScore   = 4
	DefaultMaxRegions = 4
)

// ScoreSource supplies the per-region scores
type ScoreSource interface {
	PlacementScore(ctx context.Context, region string) (int, error)
	InterruptionScore(ctx context.Context, region string) (float64, error)
}

// RegionScore is one scored candidate
type RegionScore struct {
	Region            string
	PlacementScore    int
	InterruptionScore float64
}

// Total is the ranking key
func (s RegionScore) Total() float64 {
	return float64(s.PlacementScore) + s.InterruptionScore
}

// Selector ranks candidate regions
type Selector struct {
	scores     ScoreSource
	minScore   float64
	maxRegions int
	log        *zap.Logger
}

// NewSelector creates a Selector. Non-positive limits fall back to the defaults.
func NewSelector(scores ScoreSource, minScore float64, maxRegions int, log *zap.Logger) *Selector {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	if maxRegions <= 0 {
		maxRegions = DefaultMaxRegions
	}
	return &Selector{scores: scores, minScore: minScore, maxRegions: maxRegions, log: log}
}

// Select scores every candidate, keeps those with total >= the minimum,
// orders them by descending total (ties keep input order), and returns
// at most maxRegions. A score that cannot be read counts as 0.
func (s *Selector) Select(ctx context.Context, candidates []string) ([]RegionScore, error) {
	eligible := make([]RegionScore, 0, len(candidates))
	for _, region := range candidates {
		score := RegionScore{Region: region}

		sps, err := s.scores.PlacementScore(ctx, region)
		if err != nil {
			s.log.Warn("placement score unavailable", zap.String("region", region), zap.Error(err))
		} else {
			score.PlacementScore = sps
		}
		interruption, err := s.scores.InterruptionScore(ctx, region)
		if err != nil {
			s.log.Warn("interruption score unavailable", zap.String("region", region), zap.Error(err))
		} else {
			score.InterruptionScore = interruption
		}

		if score.Total() < s.minScore {
			s.log.Info("region excluded",
				zap.String("region", region),
				zap.Float64("total", score.Total()))
			continue
		}
		eligible = append(eligible, score)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Total() > eligible[j].Total()
	})
	if len(eligible) > s.maxRegions {
		eligible = eligible[:s.maxRegions]
	}

	if len(eligible) == 0 {
		return nil, ErrNoSuitableRegion
	}
	return eligible, nil
}

// Names returns the region names in ranked order
func Names(scores []RegionScore) []string {
	names := make([]string, len(scores))
	for i, s := range scores {
		names[i] = s.Region
	}
	return names
}
