package sampler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/pulsebeam/pkg/dedup"
	"github.com/cuemby/pulsebeam/pkg/types"
)

type fakeProber struct {
	mu          sync.Mutex
	focus       ForegroundWindow
	focusErr    error
	procs       []ProcessInfo
	conns       []Connection
}

func (f *fakeProber) Foreground() (ForegroundWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focus, f.focusErr
}

func (f *fakeProber) Processes(allowList []string) ([]ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs, nil
}

func (f *fakeProber) Connections() ([]Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns, nil
}

func (f *fakeProber) setFocus(fg ForegroundWindow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focus = fg
}

func TestPollFocusEmitsWindowFocusOnChange(t *testing.T) {
	prober := &fakeProber{focus: ForegroundWindow{ProcessName: "notepad.exe", Title: "untitled", Resolved: true}}
	out := make(chan types.Event, 10)
	s := New(Config{}, prober, dedup.New(), out)

	s.pollFocus(time.Now())

	select {
	case e := <-out:
		require.Equal(t, types.EventKindWindowFocus, e.EventKind)
		require.Equal(t, "notepad.exe", e.Subject)
	default:
		t.Fatal("expected an emitted event")
	}
}

func TestPollFocusSkipsUnresolvedWindow(t *testing.T) {
	prober := &fakeProber{focus: ForegroundWindow{Resolved: false}}
	out := make(chan types.Event, 10)
	s := New(Config{}, prober, dedup.New(), out)

	s.pollFocus(time.Now())

	select {
	case e := <-out:
		t.Fatalf("expected no emission, got %+v", e)
	default:
	}
}

func TestPollFocusSkipsUnchangedFocus(t *testing.T) {
	prober := &fakeProber{focus: ForegroundWindow{ProcessName: "notepad.exe", Title: "untitled", Resolved: true}}
	out := make(chan types.Event, 10)
	s := New(Config{}, prober, dedup.New(), out)

	s.pollFocus(time.Now())
	<-out
	s.pollFocus(time.Now())

	select {
	case e := <-out:
		t.Fatalf("expected no second emission, got %+v", e)
	default:
	}
}

func TestPollProcessesEmitsLaunchOnFirstSight(t *testing.T) {
	prober := &fakeProber{procs: []ProcessInfo{{Name: "Photoshop", PID: 1}}}
	out := make(chan types.Event, 10)
	s := New(Config{ResetInterval: time.Minute}, prober, dedup.New(), out)

	s.pollProcesses(time.Now())

	require.Len(t, out, 1)
	e := <-out
	require.Equal(t, types.EventKindApplicationLaunch, e.EventKind)
	require.Equal(t, "Photoshop", e.Subject)
}

func TestPollProcessesReArmsAfterResetInterval(t *testing.T) {
	prober := &fakeProber{procs: []ProcessInfo{{Name: "Photoshop", PID: 1}}}
	out := make(chan types.Event, 10)
	s := New(Config{ResetInterval: time.Minute}, prober, dedup.New(), out)

	now := time.Now()
	s.pollProcesses(now)
	require.Len(t, out, 1)
	launch := <-out
	require.Equal(t, types.EventKindApplicationLaunch, launch.EventKind)

	s.pollProcesses(now.Add(10 * time.Second))
	require.Len(t, out, 0)

	s.pollProcesses(now.Add(2 * time.Minute))
	require.Len(t, out, 1)
	usage := <-out
	require.Equal(t, types.EventKindApplicationUsage, usage.EventKind)
}

func TestPollProcessesReArmsAfterExit(t *testing.T) {
	prober := &fakeProber{procs: []ProcessInfo{{Name: "Photoshop", PID: 1}}}
	out := make(chan types.Event, 10)
	s := New(Config{ResetInterval: time.Hour}, prober, dedup.New(), out)

	now := time.Now()
	s.pollProcesses(now)
	<-out

	prober.mu.Lock()
	prober.procs = nil
	prober.mu.Unlock()
	s.pollProcesses(now.Add(time.Second))

	prober.mu.Lock()
	prober.procs = []ProcessInfo{{Name: "Photoshop", PID: 2}}
	prober.mu.Unlock()
	// Past dedup's 60s suppression window, still well inside ResetInterval.
	s.pollProcesses(now.Add(2 * time.Minute))

	require.Len(t, out, 1)
	e := <-out
	require.Equal(t, types.EventKindApplicationLaunch, e.EventKind, "a re-armed process looks like a fresh launch")
}

func TestExtractURLFromBrowserTitle(t *testing.T) {
	url, ok := extractURL("GitHub - example.com")
	require.True(t, ok)
	require.Equal(t, "example.com", url)

	_, ok = extractURL("Untitled Document")
	require.False(t, ok)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	prober := &fakeProber{focus: ForegroundWindow{}}
	out := make(chan types.Event, 10)
	s := New(Config{SamplePeriod: 10 * time.Millisecond}, prober, dedup.New(), out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
