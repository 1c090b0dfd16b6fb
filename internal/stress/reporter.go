package stress

import (
	"fmt"
	"sync"
)

// GlobalDevice is the device index of messages not tied to a tester.
const GlobalDevice = -1

// Sink receives formatted output. Text may span several lines or be a
// fragment of one (calibration progress).
type Sink func(device int, text string)

// Reporter serializes tester output into its sinks. Failure messages go
// to the error sink when one is set.
type Reporter struct {
	mu   sync.Mutex
	sink Sink
	errs Sink
}

// NewReporter returns a reporter writing everything to sink. A nil sink
// discards output.
func NewReporter(sink Sink) *Reporter {
	return &Reporter{sink: sink, errs: sink}
}

// NewSplitReporter returns a reporter writing failures to errs and the
// rest to out.
func NewSplitReporter(out, errs Sink) *Reporter {
	return &Reporter{sink: out, errs: errs}
}

// Write forwards raw text.
func (r *Reporter) Write(device int, text string) {
	if r == nil {
		return
	}
	r.emit(r.sink, device, text)
}

// Printf formats a line and forwards it with a trailing newline.
func (r *Reporter) Printf(device int, format string, args ...any) {
	if r == nil {
		return
	}
	r.emit(r.sink, device, fmt.Sprintf(format, args...)+"\n")
}

// Errorf is Printf for the error sink.
func (r *Reporter) Errorf(device int, format string, args ...any) {
	if r == nil {
		return
	}
	r.emit(r.errs, device, fmt.Sprintf(format, args...)+"\n")
}

func (r *Reporter) emit(sink Sink, device int, text string) {
	if sink == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sink(device, text)
}
