package stress

import "github.com/fxnlabs/gpustress/internal/gpu"

type laneState int

const (
	laneIdle      laneState = iota
	laneRunning             // launches being submitted
	laneSubmitted           // all launches submitted, result not checked
	laneChecked
)

// lane is one of the two pipelines a tester alternates between: while one
// lane executes on the device the other one's result is verified.
type lane struct {
	in, out gpu.Buffer // out == in for in-place testing
	events  []gpu.Event
	state   laneState
	pass    uint
}

func newLane(in, out gpu.Buffer, passIters uint, firstPass uint) *lane {
	return &lane{
		in:     in,
		out:    out,
		events: make([]gpu.Event, passIters),
		pass:   firstPass,
	}
}

// args returns the launch arguments of step i. With separate buffers the
// direction flips every step.
func (l *lane) args(i uint, base gpu.LaunchArgs) gpu.LaunchArgs {
	base.Input, base.Output = l.in, l.out
	if i&1 == 1 {
		base.Input, base.Output = l.out, l.in
	}
	return base
}

// result is the buffer holding the output after passIters steps.
func (l *lane) result(passIters uint) gpu.Buffer {
	if passIters&1 == 0 {
		return l.in
	}
	return l.out
}

// submitted counts the leading non-nil events and fails on the first
// negative status among them.
func (l *lane) submitted() (int, error) {
	n := 0
	for _, ev := range l.events {
		if ev == nil {
			break
		}
		if s := ev.Status(); s < 0 {
			return n, &gpu.ExecutionError{Status: s}
		}
		n++
	}
	return n, nil
}

func (l *lane) releaseEvents() {
	for i, ev := range l.events {
		if ev != nil {
			ev.Release()
			l.events[i] = nil
		}
	}
}

func (l *lane) release() {
	l.releaseEvents()
	if l.out != nil && l.out != l.in {
		_ = l.out.Release()
	}
	if l.in != nil {
		_ = l.in.Release()
	}
	l.in, l.out = nil, nil
}
