package ratelimit

import (
	"fmt"

	"github.com/canopy-network/finality/lib"
)

func ErrNonPositiveRate(rate float64) lib.ErrorI {
	return lib.NewError(lib.CodeNonPositiveRate, lib.RateLimitModule, fmt.Sprintf("rate must be positive, got %f", rate))
}

func ErrNonPositiveCapacity(capacity float64) lib.ErrorI {
	return lib.NewError(lib.CodeNonPositiveCapacity, lib.RateLimitModule, fmt.Sprintf("capacity must be positive, got %f", capacity))
}

func ErrRequestExceedsCapacity(n, capacity float64) lib.ErrorI {
	return lib.NewError(lib.CodeRequestExceedsCapacity, lib.RateLimitModule, fmt.Sprintf("request of %f tokens exceeds the capacity %f", n, capacity))
}

func ErrNonPositiveRequest(n float64) lib.ErrorI {
	return lib.NewError(lib.CodeNonPositiveRequest, lib.RateLimitModule, fmt.Sprintf("request must be positive, got %f", n))
}
