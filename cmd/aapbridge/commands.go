package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ardnew/aapbridge/bridge"
	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/host/hal"
	"github.com/ardnew/aapbridge/host/hal/fifo"
	"github.com/ardnew/aapbridge/internal/prof"
	"github.com/ardnew/aapbridge/metrics"
	"github.com/ardnew/aapbridge/pkg"
	"github.com/ardnew/aapbridge/relay"
	"github.com/ardnew/aapbridge/transport"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Run command flags
var (
	devicePath  string
	deviceWait  bool
	waitTimeout time.Duration
	relayAddr   string
	metricsAddr string
	rawMode     bool
	enablePprof bool
	profOpts    prof.Options
)

func init() {
	runCmd.Flags().StringVarP(&devicePath, "device", "d", "", "usbfs device node (default: first accessory-mode device)")
	runCmd.Flags().BoolVarP(&deviceWait, "wait", "w", false, "Wait for an accessory to be attached")
	runCmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 0, "Give up waiting after this long (0 waits forever)")
	runCmd.Flags().StringVar(&relayAddr, "relay", "", "WebSocket relay listen address, e.g. :8080")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus listen address, e.g. :9090")
	runCmd.Flags().BoolVar(&rawMode, "raw", false, "Deliver transfers unframed on the raw channel")
	runCmd.Flags().BoolVar(&enablePprof, "pprof", false, "Serve /debug/pprof/ on the metrics address")
	runCmd.Flags().StringVar(&profOpts.CPU, "cpuprofile", "", "Write a CPU profile to this file")
	runCmd.Flags().StringVar(&profOpts.Heap, "memprofile", "", "Write a heap profile to this file on exit")
	runCmd.Flags().StringVar(&profOpts.Block, "blockprofile", "", "Write a block profile to this file on exit")
	runCmd.Flags().StringVar(&profOpts.Mutex, "mutexprofile", "", "Write a mutex profile to this file on exit")

	replayCmd.Flags().StringVarP(&replayOut, "out", "o", "", "Append bulk OUT data to this file")
	replayCmd.Flags().BoolVarP(&replayQuiet, "quiet", "q", false, "Print only the summary")
	replayCmd.Flags().BoolVar(&rawMode, "raw", false, "Deliver transfers unframed on the raw channel")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(devicesCmd)
}

// =============================================================================
// run
// =============================================================================

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bridge an accessory until interrupted",
	Long: `Open an accessory-mode USB device, start reading its bulk IN stream and
relay every framed message to WebSocket clients.

Without --device the first accessory-mode device is used; --wait blocks
until one is attached. The bridge runs until SIGINT or SIGTERM, or until
the device disconnects.`,
	Example: `  # Bridge the first accessory and relay on port 8080
  aapbridge run --relay :8080

  # Wait up to a minute for a device, with metrics
  aapbridge run --wait --wait-timeout 1m --relay :8080 --metrics :9090

  # Explicit device node and a config file
  aapbridge run -c aapbridge.yaml --device /dev/bus/usb/001/007`,
	RunE: runBridge,
}

// applyRunFlags overrides cfg with the run flags the user set.
func applyRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Device.Path = devicePath
	}
	if flags.Changed("wait") {
		cfg.Device.Wait = deviceWait
	}
	if flags.Changed("wait-timeout") {
		cfg.Device.WaitTimeout = waitTimeout
	}
	if flags.Changed("relay") {
		cfg.Relay.Listen = relayAddr
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Listen = metricsAddr
	}
	if flags.Changed("raw") {
		cfg.Transport.RawMode = rawMode
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	applyRunFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if profOpts.Enabled() {
		s, err := prof.Start(profOpts)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Stop(); err != nil {
				pkg.LogWarn(pkg.ComponentBridge, "profile write failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, name, err := openDevice(ctx, cfg.Device)
	if err != nil {
		return err
	}
	conn, err := bridge.Open(dev, cfg.Options())
	if err != nil {
		dev.Close()
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "close failed", "device", name, "error", err)
		}
	}()

	srv := newServers()
	defer srv.shutdown()

	if cfg.Relay.Listen != "" {
		rs := relay.New(conn, relay.WithSendBuffer(cfg.Relay.SendBuffer))
		defer rs.Close()
		srv.mux(cfg.Relay.Listen).Handle("/", rs)
		go rs.Run(ctx, conn)
	} else {
		go discard(ctx, conn)
	}

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(cfg.Metrics.Namespace, conn, prometheus.Labels{"device": name}))
		mux := srv.mux(cfg.Metrics.Listen)
		mux.Handle("/metrics", metrics.Handler(reg))
		if enablePprof {
			prof.Register(mux)
		}
	}

	if err := srv.start(); err != nil {
		return err
	}
	if err := conn.StartReading(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentBridge, "bridge running", "device", name,
		"relay", cfg.Relay.Listen, "metrics", cfg.Metrics.Listen)

	return supervise(ctx, conn, srv.errc)
}

// supervise logs transport errors until ctx is done, an HTTP server fails
// or a fatal error ends the read pipeline.
func supervise(ctx context.Context, conn *bridge.Connection, errc <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			pkg.LogInfo(pkg.ComponentBridge, "shutting down")
			return nil
		case err := <-errc:
			return fmt.Errorf("http: %w", err)
		case ev, ok := <-conn.Errors():
			if !ok {
				return nil
			}
			if ev.Code.Fatal() {
				return ev
			}
			pkg.LogWarn(pkg.ComponentBridge, "transport error", "code", ev.Code, "message", ev.Message)
		}
	}
}

// discard consumes delivered messages when no relay is configured.
func discard(ctx context.Context, src relay.Source) {
	high, medium, normal := src.High(), src.Medium(), src.Normal()
	for high != nil || medium != nil || normal != nil {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-high:
			if !ok {
				high = nil
			}
		case _, ok := <-medium:
			if !ok {
				medium = nil
			}
		case _, ok := <-normal:
			if !ok {
				normal = nil
			}
		}
	}
}

// servers groups handlers by listen address so the relay and metrics
// endpoints may share a port.
type servers struct {
	muxes   map[string]*http.ServeMux
	running []*http.Server
	errc    chan error
}

func newServers() *servers {
	return &servers{
		muxes: make(map[string]*http.ServeMux),
		errc:  make(chan error, 1),
	}
}

func (s *servers) mux(addr string) *http.ServeMux {
	m, ok := s.muxes[addr]
	if !ok {
		m = http.NewServeMux()
		s.muxes[addr] = m
	}
	return m
}

// start listens on every address before serving any, so a bad address
// fails the command instead of a background goroutine.
func (s *servers) start() error {
	lns := make(map[string]net.Listener, len(s.muxes))
	for addr := range s.muxes {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range lns {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		lns[addr] = ln
	}
	for addr, ln := range lns {
		hs := &http.Server{
			Handler:           s.muxes[addr],
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running = append(s.running, hs)
		pkg.LogInfo(pkg.ComponentBridge, "listening", "addr", ln.Addr().String())
		ln := ln
		go func() {
			if err := hs.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				select {
				case s.errc <- err:
				default:
				}
			}
		}()
	}
	return nil
}

func (s *servers) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, hs := range s.running {
		if err := hs.Shutdown(ctx); err != nil {
			pkg.LogWarn(pkg.ComponentBridge, "http shutdown failed", "error", err)
		}
	}
}

// =============================================================================
// replay
// =============================================================================

// Replay command flags
var (
	replayOut   string
	replayQuiet bool
)

// replaySettle is how long replay waits for queued messages after the
// capture ends.
const replaySettle = 200 * time.Millisecond

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Push a captured bulk IN stream through the bridge",
	Long: `Read a captured bulk IN byte stream from FILE (or a named pipe) as if it
came from a device, print one line per delivered message and finish with
transport, framer and dispatcher statistics.`,
	Example: `  # Summarize a capture
  aapbridge replay capture.bin

  # Statistics only, in JSON logs
  aapbridge replay -q --log-format json capture.bin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("raw") {
			cfg.Transport.RawMode = rawMode
		}
		s, err := replayFile(cmd.Context(), cmd.OutOrStdout(), args[0], replayOut, cfg.Options(), !replayQuiet)
		if err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), s)
		return nil
	},
}

// replayFile bridges the capture at path and returns the final stats.
func replayFile(ctx context.Context, w io.Writer, path, out string, opts bridge.Options, verbose bool) (transport.Stats, error) {
	dev, err := fifo.Open(path, out)
	if err != nil {
		return transport.Stats{}, err
	}
	return replayDevice(ctx, w, dev, opts, verbose)
}

// replayDevice bridges dev until its stream ends. dev is closed on return.
func replayDevice(ctx context.Context, w io.Writer, dev hal.Device, opts bridge.Options, verbose bool) (transport.Stats, error) {
	conn, err := bridge.Open(dev, opts)
	if err != nil {
		dev.Close()
		return transport.Stats{}, err
	}
	defer conn.Close()

	if err := conn.StartReading(); err != nil {
		return transport.Stats{}, err
	}
	if err := drainReplay(ctx, w, conn, opts.Transport.RawMode, verbose); err != nil {
		return conn.Stats(), err
	}
	return conn.Stats(), nil
}

// drainReplay prints delivered messages until the capture has ended and
// every framed message has been delivered.
func drainReplay(ctx context.Context, w io.Writer, conn *bridge.Connection, raw, verbose bool) error {
	var (
		count int
		ended bool
	)
	quiet := time.NewTimer(time.Hour)
	quiet.Stop()
	defer quiet.Stop()

	done := func() bool {
		if !ended {
			return false
		}
		quiet.Reset(replaySettle)
		return !raw && settled(conn)
	}
	deliver := func(cl channel.Class, m bridge.Message) {
		count++
		if verbose {
			fmt.Fprintf(w, "%6d  %-6s  %-14s  %5d bytes\n", count, cl, m.Channel, len(m.Data))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-conn.High():
			deliver(channel.High, m)
		case m := <-conn.Medium():
			deliver(channel.Medium, m)
		case m := <-conn.Normal():
			deliver(channel.Normal, m)
		case ev := <-conn.Errors():
			switch {
			case ev.Code == pkg.CodeDeviceDisconnected:
				ended = true
			case ev.Code.Fatal():
				return ev
			default:
				pkg.LogWarn(pkg.ComponentBridge, "transport error", "code", ev.Code, "message", ev.Message)
				continue
			}
		case <-quiet.C:
			return nil
		}
		if done() {
			return nil
		}
	}
}

// settled reports whether every emitted frame has left the dispatcher.
func settled(conn *bridge.Connection) bool {
	s := conn.Stats()
	dispatched, dropped := s.Dispatch.Totals()
	return dispatched+dropped >= s.Framer.Frames &&
		len(conn.High()) == 0 && len(conn.Medium()) == 0 && len(conn.Normal()) == 0
}

func printStats(w io.Writer, s transport.Stats) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Transport:\n")
	fmt.Fprintf(w, "  completions:     %d\n", s.Completions)
	fmt.Fprintf(w, "  bytes read:      %d\n", s.BytesRead)
	fmt.Fprintf(w, "  transfer errors: %d\n", s.TransferErrors)
	fmt.Fprintf(w, "Framer:\n")
	fmt.Fprintf(w, "  frames:          %d\n", s.Framer.Frames)
	fmt.Fprintf(w, "  rejected:        %d\n", s.Framer.Rejected)
	fmt.Fprintf(w, "  resync bytes:    %d\n", s.Framer.ResyncBytes)
	fmt.Fprintf(w, "Dispatch:\n")
	for _, cl := range channel.Classes {
		c := s.Dispatch.Class(cl)
		fmt.Fprintf(w, "  %-6s  dispatched %d, dropped %d\n", cl, c.Dispatched, c.Dropped)
	}
}

// =============================================================================
// devices
// =============================================================================

var listAll bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List accessory-mode USB devices",
	Long: `List USB devices enumerated in Android Open Accessory mode, with the
usbfs node to pass to 'aapbridge run --device'.`,
	Example: `  aapbridge devices
  aapbridge devices --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDevices(cmd.OutOrStdout(), listAll)
	},
}

func init() {
	devicesCmd.Flags().BoolVarP(&listAll, "all", "a", false, "List every USB device")
}
