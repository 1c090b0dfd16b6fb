package stress

import (
	"errors"
	"fmt"
	"time"
)

// ErrCancelled is returned when the operator stopped the test.
var ErrCancelled = errors.New("stopped by user")

// ConfigError reports an invalid tunable or an unsatisfiable device shape.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return e.Msg
}

// CorruptionError is raised when a pass result differs from the reference.
type CorruptionError struct {
	Pass    uint
	Elapsed time.Duration
	Index   int // first differing element
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("FAILED COMPUTATIONS!!!! PASS #%d, Elapsed time: %s", e.Pass, FormatElapsed(e.Elapsed))
}

// FormatElapsed renders d as h:mm:ss.mmm.
func FormatElapsed(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%d:%02d:%02d.%03d", ms/3600000, (ms/60000)%60, (ms/1000)%60, ms%1000)
}
