package orchestrator

import "time"

// Options configures the bounded tool-calling loop.
type Options struct {
	MaxToolCallIterations    int
	MaxToolCallsPerIteration int
	MaxRepeatedToolCalls     int
	MaxConsecutiveToolErrors int
	ToolExecutionTimeout     time.Duration
	DefaultModel             string
	DefaultProvider          string
}

func DefaultOptions() Options {
	return Options{
		MaxToolCallIterations:    5,
		MaxToolCallsPerIteration: 0,
		MaxRepeatedToolCalls:     0,
		MaxConsecutiveToolErrors: 0,
		ToolExecutionTimeout:     2 * time.Minute,
	}
}
