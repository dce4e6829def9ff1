package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/aapbridge/bridge"
	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/config"
	"github.com/ardnew/aapbridge/frame"
	"github.com/ardnew/aapbridge/host/hal/fifo"
	"github.com/ardnew/aapbridge/pkg"
	"github.com/ardnew/aapbridge/transport"
)

func replayOptions() bridge.Options {
	opts := bridge.DefaultOptions()
	opts.Dispatch.Realtime = false
	opts.Transport.DrainTimeout = 200 * time.Millisecond
	return opts
}

func writeCapture(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// =============================================================================
// replay Tests
// =============================================================================

func TestReplayFile(t *testing.T) {
	var stream []byte
	stream = frame.Append(stream, channel.Audio1, frame.FlagEncrypted, []byte("pcm"))
	stream = frame.Append(stream, channel.Video, frame.FlagEncrypted, []byte("h264"))
	stream = frame.Append(stream, channel.Control, frame.FlagEncrypted, nil)
	stream = frame.Append(stream, channel.Navigation, frame.FlagEncrypted, []byte("turn left"))
	path := writeCapture(t, stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	s, err := replayFile(ctx, &out, path, "", replayOptions(), true)
	require.NoError(t, err)

	assert.Equal(t, uint64(len(stream)), s.BytesRead)
	assert.Equal(t, uint64(4), s.Framer.Frames)
	dispatched, dropped := s.Dispatch.Totals()
	assert.Equal(t, uint64(4), dispatched)
	assert.Zero(t, dropped)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4, "output:\n%s", out.String())
	text := out.String()
	for _, want := range []string{"audio1(4)", "video(2)", "control(0)", "navigation(10)"} {
		assert.Contains(t, text, want)
	}
}

func TestReplayFile_Resync(t *testing.T) {
	stream := []byte{0, 0, 0, 0}
	stream = frame.Append(stream, channel.Sensor, frame.FlagEncrypted, []byte("gps"))
	path := writeCapture(t, stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := replayFile(ctx, io.Discard, path, "", replayOptions(), false)
	require.NoError(t, err)
	dispatched, _ := s.Dispatch.Totals()
	assert.Equal(t, s.Framer.Frames, dispatched)
	assert.NotZero(t, s.Framer.Frames)
}

func TestReplayFile_Raw(t *testing.T) {
	path := writeCapture(t, []byte("not framed at all"))
	opts := replayOptions()
	opts.Transport.RawMode = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	s, err := replayFile(ctx, &out, path, "", opts, true)
	require.NoError(t, err)
	assert.Zero(t, s.Framer.Frames)
	assert.Contains(t, out.String(), channel.Raw.String())
}

func TestReplayFile_Missing(t *testing.T) {
	_, err := replayFile(context.Background(), io.Discard, filepath.Join(t.TempDir(), "nope"), "", replayOptions(), false)
	require.Error(t, err)
	assert.Equal(t, pkg.CodeDeviceOpenFailure, pkg.CodeOf(err))
}

func TestReplayDevice_Cancelled(t *testing.T) {
	// The write end stays open, so the stream never ends.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = replayDevice(ctx, io.Discard, fifo.New(r, nil), replayOptions(), false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPrintStats(t *testing.T) {
	var s transport.Stats
	s.BytesRead = 42
	s.Framer.Frames = 3
	s.Dispatch.Classes[channel.High].Dispatched = 2
	s.Dispatch.Classes[channel.Medium].Dropped = 1

	var out bytes.Buffer
	printStats(&out, s)
	text := out.String()
	assert.Contains(t, text, "bytes read:      42")
	assert.Contains(t, text, "frames:          3")
	assert.Contains(t, text, "high    dispatched 2, dropped 0")
	assert.Contains(t, text, "medium  dispatched 0, dropped 1")
}

// =============================================================================
// run Tests
// =============================================================================

func TestApplyRunFlags(t *testing.T) {
	t.Cleanup(func() { cfg = config.Default() })
	cfg = config.Default()

	require.NoError(t, runCmd.ParseFlags([]string{
		"--device", "/dev/bus/usb/001/009",
		"--wait",
		"--wait-timeout", "30s",
		"--relay", ":8080",
		"--raw",
	}))
	applyRunFlags(runCmd)

	assert.Equal(t, "/dev/bus/usb/001/009", cfg.Device.Path)
	assert.True(t, cfg.Device.Wait)
	assert.Equal(t, 30*time.Second, cfg.Device.WaitTimeout)
	assert.Equal(t, ":8080", cfg.Relay.Listen)
	assert.True(t, cfg.Transport.RawMode)
	assert.Empty(t, cfg.Metrics.Listen, "unset flags keep the config value")
	require.NoError(t, cfg.Validate())
}

func TestServers(t *testing.T) {
	srv := newServers()
	a := srv.mux("127.0.0.1:0")
	assert.Same(t, a, srv.mux("127.0.0.1:0"), "same address shares a mux")
	a.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	})

	require.NoError(t, srv.start())
	require.Len(t, srv.running, 1)
	srv.shutdown()

	select {
	case err := <-srv.errc:
		t.Fatalf("unexpected server error: %v", err)
	default:
	}
}

func TestServers_BadAddress(t *testing.T) {
	srv := newServers()
	srv.mux("127.0.0.1:0")
	srv.mux("256.0.0.1:1")
	require.Error(t, srv.start())
	assert.Empty(t, srv.running)
}

func TestSupervise(t *testing.T) {
	t.Run("cancel", func(t *testing.T) {
		conn, _ := openReplayConn(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NoError(t, supervise(ctx, conn, nil))
	})

	t.Run("http error", func(t *testing.T) {
		conn, _ := openReplayConn(t)
		errc := make(chan error, 1)
		errc <- io.ErrUnexpectedEOF
		err := supervise(context.Background(), conn, errc)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("disconnect", func(t *testing.T) {
		conn, w := openReplayConn(t)
		require.NoError(t, conn.StartReading())
		w.Close()
		err := supervise(context.Background(), conn, nil)
		var ev bridge.Event
		require.ErrorAs(t, err, &ev)
		assert.Equal(t, pkg.CodeDeviceDisconnected, ev.Code)
	})
}

// openReplayConn bridges a pipe whose write end the test controls.
func openReplayConn(t *testing.T) (*bridge.Connection, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	conn, err := bridge.Open(fifo.New(r, nil), replayOptions())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, w
}
