package aws

import (
	"errors"
	"strings"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Provider error codes the orchestrator reacts to
const (
	CodeRequestNotFound  = "InvalidSpotInstanceRequestID.NotFound"
	CodeInstanceNotFound = "InvalidInstanceID.NotFound"
)

// capacityCodes mean "this zone cannot serve the request right now"
var capacityCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"MaxSpotInstanceCountExceeded": true,
	"SpotMaxPriceTooLow":           true,
	"Unsupported":                  true,
	"capacity-not-available":       true,
	"capacity-oversubscribed":      true,
	"price-too-low":                true,
}

// ErrorCode returns the provider error code, or "" for non-API errors
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsRequestNotFound reports whether err says the spot request id is not
// (yet) visible. Right after submission this is eventual consistency.
func IsRequestNotFound(err error) bool {
	if err == nil {
		return false
	}
	if ErrorCode(err) == CodeRequestNotFound {
		return true
	}
	return strings.Contains(err.Error(), CodeRequestNotFound)
}

// IsInstanceNotFound reports whether err says the instance id is unknown
func IsInstanceNotFound(err error) bool {
	return err != nil && ErrorCode(err) == CodeInstanceNotFound
}

// IsCapacityError reports whether err (or a spot status code) means the
// zone is out of capacity rather than the request being malformed
func IsCapacityError(err error) bool {
	if err == nil {
		return false
	}
	return IsCapacityCode(ErrorCode(err))
}

// IsCapacityCode checks an API error code or spot request status code
func IsCapacityCode(code string) bool {
	return capacityCodes[code]
}

// IsObjectNotFound reports whether an S3 HeadObject/GetObject error means
// the key does not exist
func IsObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	switch ErrorCode(err) {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}

// IsConditionFailed reports a DynamoDB conditional write rejection
func IsConditionFailed(err error) bool {
	return err != nil && ErrorCode(err) == "ConditionalCheckFailedException"
}

// IsPreconditionFailed reports an S3 conditional write rejection, as
// returned for If-None-Match on an existing key
func IsPreconditionFailed(err error) bool {
	switch ErrorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
