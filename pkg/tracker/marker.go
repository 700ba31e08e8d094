package tracker

import (
	"fmt"
	"strings"

	spotaws "github.com/scttfrdmn/spotkeeper/pkg/aws"
)

// Category is the marker's key prefix and mirrors the last known request state
type Category string

const (
	Open       Category = "open"
	Successful Category = "successful"
	Failed     Category = "failed"
)

// Categories lists every category in lifecycle order
var Categories = []Category{Open, Successful, Failed}

const legacySuffix = ".txt"

// Marker is the durable record of one spot request
type Marker struct {
	Category   Category
	Region     string
	RequestID  string
	CheckCount int
}

// Key returns the object key for the marker
func (m Marker) Key() string {
	return Key(m.Category, m.Region, m.RequestID)
}

// Key formats {category}/{region}|{requestId}
func Key(category Category, region, requestID string) string {
	return fmt.Sprintf("%s/%s|%s", category, region, requestID)
}

// ParseKey reverses Key. Keys written with a trailing .txt are accepted.
func ParseKey(key string) (Marker, error) {
	prefix, rest, ok := strings.Cut(key, "/")
	if !ok {
		return Marker{}, fmt.Errorf("marker key %q has no category", key)
	}
	region, requestID, ok := strings.Cut(strings.TrimSuffix(rest, legacySuffix), "|")
	if !ok || region == "" || requestID == "" {
		return Marker{}, fmt.Errorf("marker key %q is not region|requestId", key)
	}

	category := Category(prefix)
	switch category {
	case Open, Successful, Failed:
	default:
		return Marker{}, fmt.Errorf("marker key %q has unknown category %q", key, prefix)
	}
	return Marker{Category: category, Region: region, RequestID: requestID}, nil
}

// CategoryFor maps a request state to the category its marker belongs in
func CategoryFor(state spotaws.RequestState) Category {
	switch state {
	case spotaws.StateOpen:
		return Open
	case spotaws.StateActive:
		return Successful
	default:
		return Failed
	}
}
