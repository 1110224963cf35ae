// Package sampler implements the C1 Local Activity Sampler: a
// long-lived background worker that periodically observes the
// foreground window, running processes, and (optionally) outbound
// network connections, and emits candidate events to C2.
//
// The actual OS-level observation (foreground window handle, process
// table, socket table) is platform-specific and is abstracted behind
// the Prober interface so this package's scheduling, re-arming, and
// back-pressure logic is testable without a real desktop session. This
// module ships the interface and NullProber only; it contains no
// platform Prober, so nothing here reads a real window, process or
// socket table.
package sampler

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/pulsebeam/pkg/dedup"
	"github.com/cuemby/pulsebeam/pkg/log"
	"github.com/cuemby/pulsebeam/pkg/types"
)

// Defaults per spec §4.1.
const (
	DefaultSamplePeriod  = 10 * time.Second
	MinSamplePeriod      = time.Second
	MaxSamplePeriod      = 5 * time.Minute
	DefaultNetworkPeriod = 30 * time.Second
	DefaultResetInterval = 5 * time.Minute
)

// ForegroundWindow describes the currently focused top-level window, or
// is the zero value if none could be resolved (locked workstation, no
// active session).
type ForegroundWindow struct {
	ProcessName string
	Title       string
	Resolved    bool
}

// ProcessInfo describes one running process matching the sampler's
// allow-list.
type ProcessInfo struct {
	Name string
	PID  int
}

// Connection describes one outbound established connection to a
// non-loopback remote address.
type Connection struct {
	RemoteAddr string
}

// Prober is the OS-facing surface the sampler polls each tick. A real
// deployment implements this per platform; tests use a fake.
type Prober interface {
	Foreground() (ForegroundWindow, error)
	Processes(allowList []string) ([]ProcessInfo, error)
	Connections() ([]Connection, error)
}

// NullProber reports nothing observed. It lets cmd/pulsebeam-agent run
// end-to-end (handshake, queue, shipping) on any platform while a real
// per-OS Prober is pending; it never emits a candidate event.
type NullProber struct{}

func (NullProber) Foreground() (ForegroundWindow, error)             { return ForegroundWindow{}, nil }
func (NullProber) Processes(allowList []string) ([]ProcessInfo, error) { return nil, nil }
func (NullProber) Connections() ([]Connection, error)                 { return nil, nil }

// Config controls sampling cadence and application recognition.
type Config struct {
	SamplePeriod      time.Duration
	NetworkPeriod     time.Duration
	ResetInterval     time.Duration
	ApplicationAllowList []string
	BrowserProcesses     []string
	NetworkScanEnabled   bool
}

func (c *Config) setDefaults() {
	if c.SamplePeriod == 0 {
		c.SamplePeriod = DefaultSamplePeriod
	}
	if c.NetworkPeriod == 0 {
		c.NetworkPeriod = DefaultNetworkPeriod
	}
	if c.ResetInterval == 0 {
		c.ResetInterval = DefaultResetInterval
	}
	if len(c.BrowserProcesses) == 0 {
		c.BrowserProcesses = []string{"chrome", "firefox", "msedge", "safari"}
	}
}

// Sampler runs the C1 polling loop, handing accepted candidates to out.
// Deduplication (C2) happens inline before handoff so C3 never sees a
// suppressed candidate.
type Sampler struct {
	mu     sync.RWMutex
	cfg    Config
	prober Prober
	dedup  *dedup.Deduplicator
	out    chan<- types.Event

	lastFocus       ForegroundWindow
	processRunStart map[string]time.Time

	// backpressure: when set by the shipper (spec §4.5), the sampler
	// doubles its effective period until depth recovers.
	slowdown bool
}

// New constructs a Sampler that writes accepted candidates to out.
func New(cfg Config, prober Prober, dd *dedup.Deduplicator, out chan<- types.Event) *Sampler {
	cfg.setDefaults()
	return &Sampler{
		cfg:             cfg,
		prober:          prober,
		dedup:           dd,
		out:             out,
		processRunStart: make(map[string]time.Time),
	}
}

// SetSlowdown is called by the shipper's back-pressure signal (spec
// §4.5) to halve the sampler's rate while the queue drains.
func (s *Sampler) SetSlowdown(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slowdown = on
}

// UpdateConfig swaps in a new sampling configuration live, for the
// agent's config hot-reload: the allow-list and sample period are
// re-read on every sample tick and the network-scan period on every
// network tick, so they change without restarting the sampler's Run
// loop. Whether network scanning runs at all is fixed when Run starts.
func (s *Sampler) UpdateConfig(cfg Config) {
	cfg.setDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Sampler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Sampler) effectivePeriod() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.slowdown {
		return s.cfg.SamplePeriod * 2
	}
	return s.cfg.SamplePeriod
}

// Run blocks, polling at effectivePeriod and a slower network-scan
// cadence, until ctx is canceled. Prober calls run synchronously on
// this goroutine and have no timeout of their own: a slow call delays
// the next tick, and cancellation, for as long as the call takes.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.effectivePeriod())
	defer ticker.Stop()

	cfg := s.config()
	var netTicker *time.Ticker
	var netCh <-chan time.Time
	if cfg.NetworkScanEnabled {
		netTicker = time.NewTicker(cfg.NetworkPeriod)
		defer netTicker.Stop()
		netCh = netTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.pollOnce(now)
			ticker.Reset(s.effectivePeriod())
		case now := <-netCh:
			s.pollNetwork(now)
			netTicker.Reset(s.config().NetworkPeriod)
		}
	}
}

func (s *Sampler) pollOnce(now time.Time) {
	s.pollFocus(now)
	s.pollProcesses(now)
}

func (s *Sampler) pollFocus(now time.Time) {
	fg, err := s.prober.Foreground()
	if err != nil {
		log.Error("sampler: foreground probe failed: " + err.Error())
		return
	}
	if !fg.Resolved {
		return
	}
	if fg == s.lastFocus {
		return
	}
	s.lastFocus = fg

	if s.isBrowser(fg.ProcessName) {
		if url, ok := extractURL(fg.Title); ok {
			s.emit(types.EventKindWebVisit, url, fg.Title, now)
			return
		}
	}
	s.emit(types.EventKindWindowFocus, fg.ProcessName, fg.Title, now)
}

func (s *Sampler) pollProcesses(now time.Time) {
	cfg := s.config()
	procs, err := s.prober.Processes(cfg.ApplicationAllowList)
	if err != nil {
		log.Error("sampler: process scan failed: " + err.Error())
		return
	}
	seen := map[string]bool{}
	for _, p := range procs {
		seen[p.Name] = true
		start, running := s.processRunStart[p.Name]
		if !running {
			s.processRunStart[p.Name] = now
			s.emit(types.EventKindApplicationLaunch, p.Name, "", now)
			continue
		}
		if now.Sub(start) < cfg.ResetInterval {
			continue // already emitted for this continuous run
		}
		s.processRunStart[p.Name] = now // re-arm: this tick starts a fresh debounce window
		s.emit(types.EventKindApplicationUsage, p.Name, "", now)
	}
	for name := range s.processRunStart {
		if !seen[name] {
			delete(s.processRunStart, name) // process exited; re-arm
		}
	}
}

func (s *Sampler) pollNetwork(now time.Time) {
	conns, err := s.prober.Connections()
	if err != nil {
		log.Error("sampler: network scan failed: " + err.Error())
		return
	}
	for _, c := range conns {
		s.emit(types.EventKindNetworkConnection, c.RemoteAddr, "", now)
	}
}

func (s *Sampler) isBrowser(processName string) bool {
	name := strings.ToLower(processName)
	for _, b := range s.config().BrowserProcesses {
		if strings.Contains(name, b) {
			return true
		}
	}
	return false
}

func (s *Sampler) emit(kind types.EventKind, subject, title string, now time.Time) {
	if !s.dedup.Allow(kind, subject, title, "", now) {
		return
	}
	s.out <- types.Event{
		EventKind:       kind,
		Subject:         subject,
		Title:           title,
		ClientID:        uuid.New().String(),
		ClientTimestamp: now,
	}
}

// browserTitlePattern is a best-effort extractor for "Page Title - Domain"
// style browser window titles; it is not a general URL parser.
var browserTitlePattern = regexp.MustCompile(`(?:^|[-\x{2013}|])\s*([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})\s*$`)

func extractURL(title string) (string, bool) {
	m := browserTitlePattern.FindStringSubmatch(title)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}
