package regions

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Constraint narrows the candidate regions before scoring
type Constraint struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// IsEmpty reports whether the constraint filters nothing
func (c *Constraint) IsEmpty() bool {
	return c == nil || (len(c.Include) == 0 && len(c.Exclude) == 0)
}

func (c *Constraint) String() string {
	var parts []string
	if len(c.Include) > 0 {
		parts = append(parts, "include="+strings.Join(c.Include, ","))
	}
	if len(c.Exclude) > 0 {
		parts = append(parts, "exclude="+strings.Join(c.Exclude, ","))
	}
	return strings.Join(parts, " ")
}

// ApplyConstraints keeps the regions matching any include pattern and no
// exclude pattern, preserving input order
func ApplyConstraints(allRegions []string, constraint *Constraint) ([]string, error) {
	if constraint.IsEmpty() {
		return allRegions, nil
	}

	candidates := allRegions
	if len(constraint.Include) > 0 {
		candidates = lo.Filter(candidates, func(r string, _ int) bool {
			return matchesAny(r, constraint.Include)
		})
	}
	if len(constraint.Exclude) > 0 {
		candidates = lo.Reject(candidates, func(r string, _ int) bool {
			return matchesAny(r, constraint.Exclude)
		})
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no regions match constraints: %s", constraint.String())
	}
	return candidates, nil
}

// Expand resolves a regions_to_use list against the enabled regions.
// Plain names are kept as given; wildcard entries expand to every enabled
// region they match. Order follows the list, duplicates are dropped.
func Expand(patterns []string, enabled []string) []string {
	var out []string
	for _, p := range patterns {
		if !strings.Contains(p, "*") {
			out = append(out, p)
			continue
		}
		out = append(out, lo.Filter(enabled, func(r string, _ int) bool {
			return matchWildcard(r, p)
		})...)
	}
	return lo.Uniq(out)
}

// HasWildcard reports whether any entry needs expanding
func HasWildcard(patterns []string) bool {
	return lo.SomeBy(patterns, func(p string) bool {
		return strings.Contains(p, "*")
	})
}

func matchesAny(region string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchWildcard(region, pattern) {
			return true
		}
	}
	return false
}

// matchWildcard supports a single leading or trailing "*": "us-*", "*-1"
func matchWildcard(s, pattern string) bool {
	if s == pattern || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(s, strings.TrimPrefix(pattern, "*"))
	}
	return false
}
