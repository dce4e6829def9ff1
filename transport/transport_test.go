package transport

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/dispatch"
	"github.com/ardnew/aapbridge/frame"
	"github.com/ardnew/aapbridge/pkg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second

type delivery struct {
	ch   channel.ID
	data []byte
}

// sink records dispatcher deliveries and error reports.
type sink struct {
	mu     sync.Mutex
	got    map[channel.Class][]delivery
	errors []pkg.ErrorCode
}

func newSink() *sink {
	return &sink{got: make(map[channel.Class][]delivery)}
}

func (s *sink) handler(c channel.Class) dispatch.Handler {
	return func(ch channel.ID, data []byte) {
		s.mu.Lock()
		s.got[c] = append(s.got[c], delivery{ch: ch, data: data})
		s.mu.Unlock()
	}
}

func (s *sink) onError(code pkg.ErrorCode, _ string) {
	s.mu.Lock()
	s.errors = append(s.errors, code)
	s.mu.Unlock()
}

func (s *sink) delivered(c channel.Class) []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery(nil), s.got[c]...)
}

func (s *sink) codes() []pkg.ErrorCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pkg.ErrorCode(nil), s.errors...)
}

func (s *sink) count(code pkg.ErrorCode) int {
	n := 0
	for _, c := range s.codes() {
		if c == code {
			n++
		}
	}
	return n
}

type harness struct {
	t    *testing.T
	tr   *Transport
	disp *dispatch.Dispatcher
	dev  *fakeDevice
	sink *sink
}

// newHarness opens a transport on a fake device. The dispatcher is
// started unless start is false.
func newHarness(t *testing.T, cfg Config, start bool) *harness {
	t.Helper()

	dcfg := dispatch.DefaultConfig()
	dcfg.Realtime = false
	disp, err := dispatch.New(dcfg)
	require.NoError(t, err)

	s := newSink()
	for _, c := range channel.Classes {
		disp.SetHandler(c, s.handler(c))
	}
	if start {
		require.NoError(t, disp.Start())
	}

	tr, err := New(cfg, disp)
	require.NoError(t, err)
	tr.SetErrorHandler(s.onError)

	dev := newFakeDevice()
	require.NoError(t, tr.Open(dev))

	h := &harness{t: t, tr: tr, disp: disp, dev: dev, sink: s}
	t.Cleanup(func() {
		assert.NoError(t, tr.Close())
		disp.Stop()
	})
	return h
}

func (h *harness) waitDelivered(c channel.Class, n int) []delivery {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.sink.delivered(c)) >= n
	}, waitFor, time.Millisecond)
	return h.sink.delivered(c)
}

func (h *harness) waitCompletions(n uint64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.tr.Stats().Completions >= n
	}, waitFor, time.Millisecond)
}

func body(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// =============================================================================
// Config Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no slots", func(c *Config) { c.Slots = 0 }},
		{"too many slots", func(c *Config) { c.Slots = MaxSlots + 1 }},
		{"slot size", func(c *Config) { c.SlotSize = 0 }},
		{"ring size", func(c *Config) { c.RingSize = frame.HeaderSize }},
		{"write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"event timeout", func(c *Config) { c.EventTimeout = -1 }},
		{"drain timeout", func(c *Config) { c.DrainTimeout = 0 }},
		{"max frame length", func(c *Config) { c.MaxFrameLength = frame.MaxBodyLength + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidParameter)
		})
	}
}

func TestNew_Errors(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	disp, err := dispatch.New(dispatch.DefaultConfig())
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Slots = 0
	_, err = New(cfg, disp)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

// =============================================================================
// Open / Close Tests
// =============================================================================

func TestOpen(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)

	assert.True(t, h.tr.IsOpen())
	eps := h.tr.Endpoints()
	assert.Equal(t, uint8(0x81), eps.In)
	assert.Equal(t, uint8(0x01), eps.Out)
	assert.True(t, h.dev.isClaimed(0))

	assert.ErrorIs(t, h.tr.Open(newFakeDevice()), pkg.ErrAlreadyOpen)
	assert.ErrorIs(t, h.tr.Open(nil), pkg.ErrInvalidParameter)
}

func TestOpen_NoEndpoints(t *testing.T) {
	disp, err := dispatch.New(dispatch.DefaultConfig())
	require.NoError(t, err)
	tr, err := New(DefaultConfig(), disp)
	require.NoError(t, err)
	s := newSink()
	tr.SetErrorHandler(s.onError)

	dev := newFakeDevice()
	dev.desc = dev.desc[:9+9] // configuration and interface, no endpoints
	dev.desc[2], dev.desc[3] = 18, 0

	err = tr.Open(dev)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrEndpointNotFound)
	assert.Equal(t, pkg.CodeDeviceOpenFailure, pkg.CodeOf(err))
	assert.Equal(t, []pkg.ErrorCode{pkg.CodeDeviceOpenFailure}, s.codes())
	assert.False(t, tr.IsOpen())
}

func TestOpen_ClaimFailure(t *testing.T) {
	disp, err := dispatch.New(dispatch.DefaultConfig())
	require.NoError(t, err)
	tr, err := New(DefaultConfig(), disp)
	require.NoError(t, err)

	dev := newFakeDevice()
	dev.claimErr = errors.New("busy")
	err = tr.Open(dev)
	assert.Equal(t, pkg.CodeDeviceOpenFailure, pkg.CodeOf(err))
	assert.False(t, tr.IsOpen())

	cfg := DefaultConfig()
	cfg.ClaimInterface = false
	tr, err = New(cfg, disp)
	require.NoError(t, err)
	require.NoError(t, tr.Open(dev))
	assert.False(t, dev.isClaimed(0))
	require.NoError(t, tr.Close())
}

func TestClose(t *testing.T) {
	disp, err := dispatch.New(dispatch.DefaultConfig())
	require.NoError(t, err)
	tr, err := New(DefaultConfig(), disp)
	require.NoError(t, err)

	require.NoError(t, tr.Close(), "close before open")

	dev := newFakeDevice()
	require.NoError(t, tr.Open(dev))
	require.NoError(t, tr.StartReading())
	require.NoError(t, tr.Close())

	assert.False(t, tr.IsOpen())
	assert.False(t, tr.IsReading())
	assert.Equal(t, []uint8{0}, dev.released)
	assert.True(t, dev.closed)
	assert.Zero(t, dev.pendingCount())

	// Reopen on a fresh device.
	require.NoError(t, tr.Open(newFakeDevice()))
	require.NoError(t, tr.Close())
}

// =============================================================================
// Read Pipeline Tests
// =============================================================================

func TestStartReading_Errors(t *testing.T) {
	disp, err := dispatch.New(dispatch.DefaultConfig())
	require.NoError(t, err)
	tr, err := New(DefaultConfig(), disp)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.StartReading(), pkg.ErrDeviceNotOpen)

	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())
	assert.ErrorIs(t, h.tr.StartReading(), pkg.ErrAlreadyRunning)
}

func TestStartReading_SubmitsPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Slots = 6
	h := newHarness(t, cfg, true)

	require.NoError(t, h.tr.StartReading())
	assert.True(t, h.tr.IsReading())
	assert.Equal(t, 6, h.dev.pendingCount())
}

func TestStartReading_SubmitFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	h.dev.submitErr = errors.New("no urbs")
	h.dev.failAfter = 2

	err := h.tr.StartReading()
	require.Error(t, err)
	assert.Equal(t, pkg.CodeTransferFailure, pkg.CodeOf(err))
	assert.False(t, h.tr.IsReading())
	assert.Zero(t, h.dev.pendingCount(), "submitted slots are cancelled")
}

func TestStopReading(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)

	require.NoError(t, h.tr.StopReading(), "stop before start")

	require.NoError(t, h.tr.StartReading())
	require.NoError(t, h.tr.StopReading())
	require.NoError(t, h.tr.StopReading())
	assert.False(t, h.tr.IsReading())
	assert.Zero(t, h.dev.pendingCount())
	assert.Empty(t, h.sink.codes(), "cancellation is silent")

	// Restart after stop.
	require.NoError(t, h.tr.StartReading())
	assert.Equal(t, DefaultSlots, h.dev.pendingCount())
}

func TestStopReading_Concurrent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.tr.StopReading())
		}()
	}
	wg.Wait()
	assert.False(t, h.tr.IsReading())
}

func TestStopReading_DrainTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Slots = 2
	cfg.DrainTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg, true)

	require.NoError(t, h.tr.StartReading())
	h.dev.setHoldDiscard(true)

	start := time.Now()
	require.NoError(t, h.tr.StopReading())
	assert.GreaterOrEqual(t, time.Since(start), cfg.DrainTimeout)
	assert.False(t, h.tr.IsReading())
	assert.Equal(t, 2, h.dev.pendingCount(), "device still holds both reads")

	// Both slot indices are still owned by the device.
	err := h.tr.StartReading()
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrTransfersPending)
	assert.Equal(t, pkg.CodeTransferFailure, pkg.CodeOf(err))
	assert.False(t, h.tr.IsReading())
	assert.Equal(t, 2, h.dev.pendingCount())

	// A late completion of the stopped session releases its slot without
	// reaching the framer. The other read is cancelled once discard works.
	stale := frame.Append(nil, channel.Audio, frame.FlagEncrypted, body(16, 0xA0))
	require.True(t, h.dev.deliver(stale))
	h.dev.setHoldDiscard(false)

	require.NoError(t, h.tr.StartReading())
	assert.True(t, h.tr.IsReading())
	assert.Equal(t, 2, h.dev.pendingCount())
	assert.Zero(t, h.tr.Stats().Completions)
	assert.Zero(t, h.tr.Stats().Framer.Frames)

	payload := body(16, 0x10)
	require.True(t, h.dev.deliver(frame.Append(nil, channel.Audio, frame.FlagEncrypted, payload)))
	got := h.waitDelivered(channel.High, 1)
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0].data[frame.HeaderSize:])
	assert.Empty(t, h.sink.codes())
}

func TestStopReading_DrainTimeoutReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, true)

	require.NoError(t, h.tr.StartReading())
	h.dev.setHoldDiscard(true)
	require.NoError(t, h.tr.StopReading())
	require.ErrorIs(t, h.tr.StartReading(), pkg.ErrTransfersPending)

	// Closing the device drops the stopped session.
	require.NoError(t, h.tr.Close())
	dev := newFakeDevice()
	require.NoError(t, h.tr.Open(dev))
	require.NoError(t, h.tr.StartReading())
	assert.Equal(t, cfg.Slots, dev.pendingCount())
}

func TestScenario_SingleAudioFrame(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	payload := body(100, 1)
	require.True(t, h.dev.deliver(frame.Append(nil, channel.Audio, frame.FlagEncrypted, payload)))

	got := h.waitDelivered(channel.High, 1)
	require.Len(t, got, 1)
	assert.Equal(t, channel.Audio, got[0].ch)
	assert.Len(t, got[0].data, 104)
	assert.Equal(t, payload, got[0].data[frame.HeaderSize:])
}

func TestScenario_Trickle(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	stream := []byte{0x0A, 0x08, 0x00, 0x05, 1, 2, 3, 4, 5}
	for i, b := range stream[:len(stream)-1] {
		require.True(t, h.dev.deliver([]byte{b}), "byte %d", i)
	}
	h.waitCompletions(uint64(len(stream) - 1))
	assert.Zero(t, h.tr.Stats().Framer.Frames, "no message before the last byte")

	require.True(t, h.dev.deliver(stream[len(stream)-1:]))
	got := h.waitDelivered(channel.Normal, 1)
	assert.Equal(t, channel.Navigation, got[0].ch)
	assert.Equal(t, stream, got[0].data)
}

func TestScenario_Resync(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	stream := append([]byte{0x00, 0x00, 0x00, 0x00}, frame.Append(nil, channel.Control, frame.FlagEncrypted, nil)...)
	require.True(t, h.dev.deliver(stream))

	got := h.waitDelivered(channel.Normal, 1)
	assert.Equal(t, frame.HeaderSize, len(got[0].data))
	assert.Equal(t, uint64(1), h.tr.Stats().Framer.Frames)
	assert.Empty(t, h.sink.codes(), "corruption is not reported")
}

func TestScenario_HighOverflow(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false)
	require.NoError(t, h.tr.StartReading())

	var stream []byte
	for i := 0; i < 65; i++ {
		stream = frame.Append(stream, channel.Audio1, frame.FlagEncrypted, []byte{byte(i)})
	}
	require.True(t, h.dev.deliver(stream))
	require.Eventually(t, func() bool {
		return h.tr.Stats().Framer.Frames == 65
	}, waitFor, time.Millisecond)

	require.NoError(t, h.disp.Start())
	got := h.waitDelivered(channel.High, 64)
	require.Len(t, got, 64)
	for i, d := range got {
		assert.Equal(t, byte(i+1), d.data[frame.HeaderSize], "message %d", i)
	}

	require.Eventually(t, func() bool {
		return h.tr.Stats().Dispatch.Class(channel.High).Dispatched == 64
	}, waitFor, time.Millisecond)
	assert.Equal(t, uint64(1), h.tr.Stats().Dispatch.Class(channel.High).Dropped)
	assert.Empty(t, h.sink.codes(), "overflow is not reported")
}

func TestRead_FramesAcrossTransfers(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	var stream []byte
	for i := 0; i < 20; i++ {
		stream = frame.Append(stream, channel.Sensor, frame.FlagEncrypted, body(100+i, byte(i)))
	}
	chunks(stream, 37)(func(chunk []byte) bool {
		require.True(t, h.dev.deliver(chunk))
		return true
	})

	got := h.waitDelivered(channel.Normal, 20)
	for i, d := range got {
		assert.Len(t, d.data, frame.HeaderSize+100+i)
		assert.True(t, bytes.Equal(body(100+i, byte(i)), d.data[frame.HeaderSize:]), "message %d", i)
	}

	s := h.tr.Stats()
	assert.Equal(t, uint64(len(stream)), s.BytesRead)
	assert.Equal(t, uint64(20), s.Framer.Frames)
}

func TestRead_RingSmallerThanFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingSize = 64
	h := newHarness(t, cfg, true)
	require.NoError(t, h.tr.StartReading())

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = frame.Append(stream, channel.Video, frame.FlagEncrypted, body(200, byte(i)))
	}
	require.True(t, h.dev.deliver(stream))

	got := h.waitDelivered(channel.Medium, 3)
	require.Len(t, got, 3)
	for i, d := range got {
		assert.Equal(t, body(200, byte(i)), d.data[frame.HeaderSize:], "frame %d", i)
	}
	assert.Equal(t, uint64(len(stream)), h.tr.Stats().BytesRead)
	assert.Empty(t, h.sink.codes())
}

func TestRead_RawMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RawMode = true
	h := newHarness(t, cfg, true)
	require.NoError(t, h.tr.StartReading())

	require.True(t, h.dev.deliver([]byte("not a frame")))
	got := h.waitDelivered(channel.Normal, 1)
	assert.Equal(t, channel.Raw, got[0].ch)
	assert.Equal(t, []byte("not a frame"), got[0].data)
	assert.Zero(t, h.tr.Stats().Framer.Frames)
}

func TestRead_TransientError(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	require.True(t, h.dev.complete(nil, pkg.TransferStatusStall))
	require.True(t, h.dev.complete(nil, pkg.TransferStatusTimeout))
	require.True(t, h.dev.deliver(frame.Append(nil, channel.Sensor, frame.FlagEncrypted, []byte{7})))

	h.waitDelivered(channel.Normal, 1)
	assert.Equal(t, 2, h.sink.count(pkg.CodeTransferFailure))
	assert.True(t, h.tr.IsReading())

	s := h.tr.Stats()
	assert.Equal(t, uint64(2), s.TransferErrors)
	assert.GreaterOrEqual(t, s.Resubmits, uint64(3))
}

func TestRead_ResubmitFailureRetries(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	h.dev.mu.Lock()
	h.dev.submitErr = errors.New("transient")
	h.dev.failAfter = 0
	h.dev.mu.Unlock()

	require.True(t, h.dev.deliver(nil))
	require.Eventually(t, func() bool {
		return h.sink.count(pkg.CodeTransferFailure) >= 1
	}, waitFor, time.Millisecond)

	h.dev.mu.Lock()
	h.dev.submitErr = nil
	h.dev.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.dev.pendingCount() == DefaultSlots
	}, waitFor, time.Millisecond, "idle slot is resubmitted")
}

func TestRead_Disconnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	require.NoError(t, h.tr.StartReading())

	h.dev.disconnect()
	require.Eventually(t, func() bool {
		return !h.tr.IsReading()
	}, waitFor, time.Millisecond)

	// Reported exactly once although every slot failed.
	assert.Equal(t, []pkg.ErrorCode{pkg.CodeDeviceDisconnected}, h.sink.codes())
	require.NoError(t, h.tr.StopReading())
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWrite(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)

	n, err := h.tr.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	s := h.tr.Stats()
	assert.Equal(t, uint64(1), s.Writes)
	assert.Equal(t, uint64(5), s.BytesWritten)
}

func TestWrite_Timeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	h.dev.write = func(data []byte) (int, error) { return 2, pkg.ErrTimeout }

	n, err := h.tr.Write([]byte("hello"))
	require.NoError(t, err, "timeout is not an error")
	assert.Equal(t, 2, n)
	assert.Equal(t, []pkg.ErrorCode{pkg.CodeWriteTimeout}, h.sink.codes())
	assert.Equal(t, uint64(1), h.tr.Stats().WriteTimeouts)
}

func TestWrite_Failure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	h.dev.write = func(data []byte) (int, error) { return 0, pkg.ErrStall }

	_, err := h.tr.Write([]byte("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.Equal(t, pkg.CodeWriteFailure, pkg.CodeOf(err))
	assert.Equal(t, []pkg.ErrorCode{pkg.CodeWriteFailure}, h.sink.codes())
	assert.Equal(t, uint64(1), h.tr.Stats().WriteErrors)
}

func TestWrite_NotOpen(t *testing.T) {
	disp, err := dispatch.New(dispatch.DefaultConfig())
	require.NoError(t, err)
	tr, err := New(DefaultConfig(), disp)
	require.NoError(t, err)

	_, err = tr.Write([]byte{1})
	assert.ErrorIs(t, err, pkg.ErrDeviceNotOpen)
}

// chunks yields consecutive chunks of b of at most n bytes.
func chunks(b []byte, n int) func(func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for len(b) > 0 {
			k := min(n, len(b))
			if !yield(b[:k]) {
				return
			}
			b = b[k:]
		}
	}
}
