package engine

import (
	"math"
	"time"

	"github.com/flowforge/workflows/services/workflowdef"
)

// maxBackoffSeconds caps exponential backoff per spec §4.4.5.
const maxBackoffSeconds = 300

// computeBackoff returns the delay before retry number attempt+1, given a
// policy's strategy and base.
func computeBackoff(strategy string, base float64, attempt int) time.Duration {
	var seconds float64
	switch strategy {
	case workflowdef.BackoffLinear:
		seconds = base * float64(attempt)
	case workflowdef.BackoffExponential:
		seconds = math.Min(math.Pow(base, float64(attempt)), maxBackoffSeconds)
	default: // fixed
		seconds = base
	}
	return time.Duration(seconds * float64(time.Second))
}
