package stress

import "sync/atomic"

// FailurePolicy decides what a data corruption on one device does to the others.
type FailurePolicy int

const (
	// StopOnFirstFailure stops every tester once any device corrupts data.
	StopOnFirstFailure FailurePolicy = iota
	// ContinueUntilAllFail lets the remaining testers run on.
	ContinueUntilAllFail
)

// Coordinator carries the stop flags shared by all testers of a run.
type Coordinator struct {
	policy        FailurePolicy
	stopByUser    atomic.Bool
	stopOnFailure atomic.Bool
}

func NewCoordinator(policy FailurePolicy) *Coordinator {
	return &Coordinator{policy: policy}
}

func (c *Coordinator) Policy() FailurePolicy {
	return c.policy
}

// Stop requests every tester to wind down.
func (c *Coordinator) Stop() {
	c.stopByUser.Store(true)
}

func (c *Coordinator) StoppedByUser() bool {
	return c.stopByUser.Load()
}

// ReportFailure records a data corruption according to the policy.
func (c *Coordinator) ReportFailure() {
	if c.policy == StopOnFirstFailure {
		c.stopOnFailure.Store(true)
	}
}

func (c *Coordinator) FailureStop() bool {
	return c.stopOnFailure.Load()
}

// Stopping reports whether any stop flag is raised.
func (c *Coordinator) Stopping() bool {
	return c.stopOnFailure.Load() || c.stopByUser.Load()
}
