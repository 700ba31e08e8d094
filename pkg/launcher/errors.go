package launcher

import "fmt"

// ProviderError is a terminal provider failure that aborted the batch
type ProviderError struct {
	Op     string
	Region string
	Code   string
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s in %s failed (%s): %v", e.Op, e.Region, e.Code, e.Err)
	}
	return fmt.Sprintf("%s in %s failed: %v", e.Op, e.Region, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CapacityExhaustedError reports units that no region or zone could place
type CapacityExhaustedError struct {
	Requested int
	Shortfall int
}

func (e *CapacityExhaustedError) Error() string {
	return fmt.Sprintf("capacity exhausted: %d of %d units could not be placed", e.Shortfall, e.Requested)
}
