package worker

import "context"

// Task is one background pass that drains whatever work is currently
// due and returns. The scheduler owns the cadence.
type Task interface {
	Name() string
	RunOnce(ctx context.Context) (Summary, error)
}

// Summary reports what a single pass did.
type Summary struct {
	Processed int
	Applied   int
	Failed    int
	Skipped   int
}

// Add accumulates another pass's counts.
func (s *Summary) Add(o Summary) {
	s.Processed += o.Processed
	s.Applied += o.Applied
	s.Failed += o.Failed
	s.Skipped += o.Skipped
}
