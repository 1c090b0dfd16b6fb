package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fxnlabs/gpustress/internal/gpu"
	"github.com/fxnlabs/gpustress/internal/stress"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configure a Session.
type Options struct {
	RunID       string
	Coordinator *stress.Coordinator
	Reporter    *stress.Reporter
	Logger      *zap.Logger
	Policy      stress.CalibrationPolicy
	// StartDelay is the operator warning window before any device is touched.
	StartDelay time.Duration
}

// Result is the outcome of one tester.
type Result struct {
	Index   int    `json:"index"`
	Device  string `json:"device"`
	Failed  bool   `json:"failed"`
	Message string `json:"message,omitempty"`
}

// Session drives one stress run over a set of devices: it builds the
// testers one after another, runs them concurrently and collects results.
type Session struct {
	runID   string
	opener  stress.Opener
	devices []gpu.Descriptor
	configs []stress.Config
	coord   *stress.Coordinator
	rep     *stress.Reporter
	logger  *zap.Logger
	policy  stress.CalibrationPolicy
	delay   time.Duration

	mu       sync.Mutex
	testers  []*stress.Tester
	results  []Result
	exitCode int
	finished bool
}

func NewSession(opener stress.Opener, devices []gpu.Descriptor, configs []stress.Config, opts Options) (*Session, error) {
	if len(devices) == 0 {
		return nil, gpu.ErrNoDevices
	}
	if len(configs) != len(devices) {
		return nil, fmt.Errorf("got %d configs for %d devices", len(configs), len(devices))
	}
	s := &Session{
		runID:   opts.RunID,
		opener:  opener,
		devices: devices,
		configs: configs,
		coord:   opts.Coordinator,
		rep:     opts.Reporter,
		logger:  opts.Logger,
		policy:  opts.Policy,
		delay:   opts.StartDelay,
	}
	if s.coord == nil {
		s.coord = stress.NewCoordinator(stress.StopOnFirstFailure)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("runner")
	if s.runID != "" {
		s.logger = s.logger.With(zap.String("run", s.runID))
	}
	return s, nil
}

// Run executes the session and returns the process exit code. Cancelling
// ctx raises the user stop flag.
func (s *Session) Run(ctx context.Context) int {
	stop := context.AfterFunc(ctx, s.coord.Stop)
	defer stop()

	code := s.run(ctx)
	s.mu.Lock()
	s.exitCode = code
	s.finished = true
	s.mu.Unlock()
	return code
}

func (s *Session) run(ctx context.Context) int {
	if !s.wait(ctx) {
		s.logger.Info("Stopped during start delay")
		return 0
	}

	if err := s.build(); err != nil {
		s.rep.Errorf(stress.GlobalDevice, "Exception happened: %s", err)
		s.logger.Error("Failed to prepare testers", zap.Error(err))
		s.closeTesters()
		return 1
	}
	s.mu.Lock()
	testers := s.testers
	s.mu.Unlock()
	if len(testers) < len(s.devices) {
		// a tester stopped during preparation, nothing is run
		s.closeTesters()
		return 0
	}

	s.logger.Info("Starting stress threads", zap.Int("testers", len(testers)))
	var g errgroup.Group
	for _, t := range testers {
		g.Go(func() error {
			t.Run()
			return nil
		})
	}
	_ = g.Wait()

	code := 0
	results := make([]Result, len(testers))
	for i, t := range testers {
		results[i] = Result{Index: i, Device: t.Descriptor().Label(), Failed: t.Failed(), Message: t.FailureMessage()}
		if !t.Failed() {
			s.rep.Printf(stress.GlobalDevice, "Finished #%d", i)
		}
	}
	for i, t := range testers {
		if t.Failed() {
			code = 1
			s.rep.Errorf(stress.GlobalDevice, "Failed #%d", i)
		}
	}
	s.mu.Lock()
	s.results = results
	s.mu.Unlock()
	s.closeTesters()
	s.logger.Info("Stress run finished", zap.Int("exitCode", code))
	return code
}

// wait sleeps for the start delay. It returns false when ctx ended first.
func (s *Session) wait(ctx context.Context) bool {
	if s.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// build constructs the testers in device order and stops at the first
// tester left uninitialized by a user stop.
func (s *Session) build() error {
	opts := stress.Options{
		Coordinator: s.coord,
		Reporter:    s.rep,
		Logger:      s.logger,
		Policy:      s.policy,
	}
	for i, d := range s.devices {
		t, err := stress.New(i, s.opener, d, s.configs[i], opts)
		if err != nil {
			return err
		}
		if !t.Initialized() {
			t.Close()
			return nil
		}
		s.mu.Lock()
		s.testers = append(s.testers, t)
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) closeTesters() {
	s.mu.Lock()
	testers := s.testers
	s.mu.Unlock()
	for _, t := range testers {
		t.Close()
	}
}

// Stop raises the user stop flag.
func (s *Session) Stop() {
	s.coord.Stop()
}

// ExitCode is 1 when any tester failed or preparation broke. It is only
// meaningful once Run returned.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.finished
}

func (s *Session) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Result(nil), s.results...)
}

func (s *Session) Snapshots() []stress.Snapshot {
	s.mu.Lock()
	testers := append([]*stress.Tester(nil), s.testers...)
	s.mu.Unlock()
	snaps := make([]stress.Snapshot, len(testers))
	for i, t := range testers {
		snaps[i] = t.Snapshot()
	}
	return snaps
}

type statusResponse struct {
	RunID   string            `json:"runId,omitempty"`
	Devices int               `json:"devices"`
	Testers []stress.Snapshot `json:"testers"`
	Results []Result          `json:"results,omitempty"`
}

// StatusHandler serves the tester snapshots as JSON.
func (s *Session) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := statusResponse{
			RunID:   s.runID,
			Devices: len(s.devices),
			Testers: s.Snapshots(),
			Results: s.Results(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Error("failed to encode status", zap.Error(err))
		}
	})
}
