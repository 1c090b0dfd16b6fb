package gpu

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Filter selects devices by type and platform name.
type Filter struct {
	// Types is a mask of accepted device types. Zero accepts GPUs only.
	Types DeviceType
	// Platforms holds platform name fragments (for example "NVIDIA").
	// Empty accepts every platform.
	Platforms []string
}

func (f Filter) match(p Platform, d Descriptor) bool {
	types := f.Types
	if types == 0 {
		types = DeviceGPU
	}
	if d.Type&types == 0 {
		return false
	}
	if len(f.Platforms) == 0 {
		return true
	}
	for _, frag := range f.Platforms {
		if strings.Contains(p.Name, frag) {
			return true
		}
	}
	return false
}

// Manager handles backend lifecycle and device enumeration. Platforms of
// every initialized backend are numbered in registration order.
type Manager struct {
	mu        sync.RWMutex
	backends  []Backend
	platforms []Platform
	logger    *zap.Logger
}

// NewManager initializes every available backend and enumerates its devices.
func NewManager(logger *zap.Logger, backends ...Backend) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	if err := m.detectAndInitialize(backends); err != nil {
		_ = m.Cleanup()
		return nil, err
	}
	return m, nil
}

func (m *Manager) detectAndInitialize(backends []Backend) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range backends {
		if !b.IsAvailable() {
			m.logger.Debug("backend not available", zap.String("backend", b.Name()))
			continue
		}
		if err := b.Initialize(); err != nil {
			_ = b.Cleanup()
			return fmt.Errorf("failed to initialize %s backend: %w", b.Name(), err)
		}
		m.backends = append(m.backends, b)

		platforms, err := b.Platforms()
		if err != nil {
			return fmt.Errorf("failed to enumerate %s platforms: %w", b.Name(), err)
		}
		for _, p := range platforms {
			pid := len(m.platforms)
			devices := make([]Descriptor, len(p.Devices))
			for j, d := range p.Devices {
				d.PlatformID = pid
				d.DeviceID = j
				d.backend = b
				devices[j] = d
			}
			p.Devices = devices
			m.platforms = append(m.platforms, p)
		}
		m.logger.Info("backend ready", zap.String("backend", b.Name()), zap.Int("platforms", len(platforms)))
	}
	return nil
}

// Platforms returns every enumerated platform with its devices.
func (m *Manager) Platforms() []Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Platform(nil), m.platforms...)
}

// Select returns the devices matching f in platform order.
func (m *Manager) Select(f Filter) []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Descriptor
	for _, p := range m.platforms {
		for _, d := range p.Devices {
			if f.match(p, d) {
				out = append(out, d)
			}
		}
	}
	return out
}

// SelectList resolves a device list of the form "platformId:deviceId,...".
func (m *Manager) SelectList(list string) ([]Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type key struct{ p, d int }
	seen := make(map[key]struct{})
	var out []Descriptor
	for _, item := range strings.Split(list, ",") {
		ps, ds, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			return nil, fmt.Errorf("can't parse device list")
		}
		p, err := strconv.ParseUint(ps, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("can't parse device list")
		}
		d, err := strconv.ParseUint(ds, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("can't parse device list")
		}
		if p >= uint64(len(m.platforms)) {
			return nil, fmt.Errorf("platform ID %d out of range", p)
		}
		devices := m.platforms[p].Devices
		if d >= uint64(len(devices)) {
			return nil, fmt.Errorf("device ID %d out of range", d)
		}
		k := key{int(p), int(d)}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("duplicated devices in device list: %d:%d", p, d)
		}
		seen[k] = struct{}{}
		out = append(out, devices[d])
	}
	return out, nil
}

// Open creates an execution context on d using the backend that enumerated it.
func (m *Manager) Open(d Descriptor) (Context, error) {
	if d.backend == nil {
		return nil, fmt.Errorf("device %s was not enumerated by a manager", d.Label())
	}
	return d.backend.Open(d)
}

// Cleanup releases every initialized backend.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, b := range m.backends {
		if err := b.Cleanup(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.backends = nil
	m.platforms = nil
	return firstErr
}
