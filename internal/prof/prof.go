// Package prof captures pprof profiles over the lifetime of a bridge run.
//
// A Session starts CPU profiling and enables block and mutex sampling as
// requested; Stop ends CPU profiling and writes the snapshot profiles:
//
//	s, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Register mounts the net/http/pprof handlers on a mux for live inspection.
package prof

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Profiling errors.
var (
	// ErrActive indicates a session is already running.
	ErrActive = errors.New("profiling session already active")

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime/pprof snapshot profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// Options selects the profiles a session writes. Empty paths are skipped.
type Options struct {
	CPU       string
	Heap      string
	Goroutine string
	Block     string
	Mutex     string
}

// Enabled reports whether any profile was requested.
func (o Options) Enabled() bool {
	return o.CPU != "" || o.Heap != "" || o.Goroutine != "" || o.Block != "" || o.Mutex != ""
}

// Session is an active profiling run.
type Session struct {
	opts Options
	cpu  *os.File
	once sync.Once
	err  error
}

var (
	activeMu sync.Mutex
	active   bool
)

// Start begins a session. Only one session may run at a time.
func Start(opts Options) (*Session, error) {
	activeMu.Lock()
	defer activeMu.Unlock()
	if active {
		return nil, ErrActive
	}

	s := &Session{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := rpprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		s.cpu = f
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	active = true
	return s, nil
}

// Stop ends CPU profiling and writes the requested snapshots. It is safe to
// call more than once; later calls return the first result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		var result *multierror.Error
		if s.cpu != nil {
			rpprof.StopCPUProfile()
			if err := s.cpu.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("cpu profile: %w", err))
			}
		}
		for _, snap := range []struct {
			p    Profile
			path string
		}{
			{ProfileHeap, s.opts.Heap},
			{ProfileGoroutine, s.opts.Goroutine},
			{ProfileBlock, s.opts.Block},
			{ProfileMutex, s.opts.Mutex},
		} {
			if snap.path == "" {
				continue
			}
			if err := Write(snap.p, snap.path); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s profile: %w", snap.p, err))
			}
		}
		if s.opts.Block != "" {
			runtime.SetBlockProfileRate(0)
		}
		if s.opts.Mutex != "" {
			runtime.SetMutexProfileFraction(0)
		}

		activeMu.Lock()
		active = false
		activeMu.Unlock()
		s.err = result.ErrorOrNil()
	})
	return s.err
}

// Write saves a snapshot profile to path.
func Write(p Profile, path string) error {
	prof := rpprof.Lookup(string(p))
	if prof == nil {
		return ErrInvalidProfile
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := prof.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Register mounts the pprof handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
