package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ardnew/aapbridge/channel"
	"github.com/ardnew/aapbridge/pkg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Realtime = false
	return cfg
}

// recorder collects delivered messages per class.
type recorder struct {
	mu  sync.Mutex
	got map[channel.Class][]Message
}

func newRecorder() *recorder {
	return &recorder{got: make(map[channel.Class][]Message)}
}

func (r *recorder) handler(c channel.Class) Handler {
	return func(ch channel.ID, data []byte) {
		r.mu.Lock()
		r.got[c] = append(r.got[c], Message{Channel: ch, Data: data})
		r.mu.Unlock()
	}
}

func (r *recorder) messages(c channel.Class) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.got[c]...)
}

// =============================================================================
// queue Tests
// =============================================================================

func TestQueue_DropOldest(t *testing.T) {
	q := newQueue(4)
	for i := 0; i < 5; i++ {
		dropped, ok := q.push(Message{Data: []byte{byte(i)}})
		require.True(t, ok)
		assert.Equal(t, i == 4, dropped, "push %d", i)
	}

	q.shutdown()
	var got []byte
	for {
		m, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, m.Data[0])
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	_, dropped, depth, state := q.snapshot()
	assert.Equal(t, uint64(1), dropped)
	assert.Equal(t, 0, depth)
	assert.Equal(t, stateClosed, state)
}

func TestQueue_ShutdownTransitions(t *testing.T) {
	q := newQueue(2)
	_, ok := q.push(Message{Channel: channel.Video})
	require.True(t, ok)

	q.shutdown()
	_, _, _, state := q.snapshot()
	assert.Equal(t, stateShuttingDown, state)

	_, ok = q.push(Message{})
	assert.False(t, ok, "push accepted after shutdown")

	m, ok := q.pop()
	require.True(t, ok, "queued entry lost at shutdown")
	assert.Equal(t, channel.Video, m.Channel)

	_, ok = q.pop()
	assert.False(t, ok)
	_, _, _, state = q.snapshot()
	assert.Equal(t, stateClosed, state)

	q.shutdown()
	_, _, _, state = q.snapshot()
	assert.Equal(t, stateClosed, state, "second shutdown reopened queue")
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := newQueue(1)
	got := make(chan Message, 1)
	go func() {
		m, _ := q.pop()
		got <- m
	}()

	select {
	case <-got:
		t.Fatal("pop returned on empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.push(Message{Channel: channel.Mic})
	select {
	case m := <-got:
		assert.Equal(t, channel.Mic, m.Channel)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestQueue_ShutdownWakesPop(t *testing.T) {
	q := newQueue(1)
	done := make(chan bool)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.shutdown()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not wake pop")
	}
}

func TestQueueState_String(t *testing.T) {
	assert.Equal(t, "open", stateOpen.String())
	assert.Equal(t, "shutting-down", stateShuttingDown.String())
	assert.Equal(t, "closed", stateClosed.String())
	assert.Equal(t, "unknown", queueState(9).String())
}

// =============================================================================
// Dispatcher Tests
// =============================================================================

func TestNew_InvalidCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity[channel.Medium] = 0
	_, err := New(cfg)
	assert.True(t, errors.Is(err, pkg.ErrInvalidParameter))
}

func TestDispatcher_OverflowDropsOldest(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)
	rec := newRecorder()
	d.SetHandler(channel.High, rec.handler(channel.High))

	for i := 0; i < DefaultHighCapacity+1; i++ {
		require.NoError(t, d.Dispatch(channel.Audio, []byte{byte(i)}))
	}
	require.NoError(t, d.Start())
	d.Stop()

	got := rec.messages(channel.High)
	require.Len(t, got, DefaultHighCapacity)
	for i, m := range got {
		assert.Equal(t, byte(i+1), m.Data[0], "message %d", i)
		assert.Equal(t, channel.Audio, m.Channel)
	}

	st := d.Stats().Class(channel.High)
	assert.Equal(t, uint64(DefaultHighCapacity), st.Dispatched)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 0, st.Depth)
}

func TestDispatcher_DropsCountedForEveryClass(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	for i := 0; i < DefaultNormalCapacity+3; i++ {
		require.NoError(t, d.Dispatch(channel.Control, []byte{1}))
	}
	for i := 0; i < DefaultMediumCapacity+2; i++ {
		require.NoError(t, d.Dispatch(channel.Video, []byte{1}))
	}
	st := d.Stats()
	assert.Equal(t, uint64(3), st.Class(channel.Normal).Dropped)
	assert.Equal(t, uint64(2), st.Class(channel.Medium).Dropped)
	assert.Equal(t, DefaultNormalCapacity, st.Class(channel.Normal).Depth)
	d.Stop()
}

func TestDispatcher_PerClassOrder(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)
	rec := newRecorder()
	for _, c := range channel.Classes {
		d.SetHandler(c, rec.handler(c))
	}
	require.NoError(t, d.Start())

	const n = 12
	ids := []channel.ID{channel.Audio, channel.Video, channel.Control, channel.Audio1, channel.Sensor}
	for i := 0; i < n; i++ {
		for _, id := range ids {
			require.NoError(t, d.Dispatch(id, []byte{byte(i)}))
		}
		time.Sleep(time.Millisecond)
	}
	d.Stop()

	for _, c := range channel.Classes {
		last := map[channel.ID]int{}
		for _, m := range rec.messages(c) {
			assert.Equal(t, c, m.Channel.Class())
			seq := int(m.Data[0])
			if prev, ok := last[m.Channel]; ok {
				assert.Greater(t, seq, prev, "channel %s out of order", m.Channel)
			}
			last[m.Channel] = seq
		}
	}
	dispatched, dropped := d.Stats().Totals()
	assert.Equal(t, uint64(n*len(ids)), dispatched+dropped)
}

func TestDispatcher_IndependentWorkers(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	release := make(chan struct{})
	d.SetHandler(channel.Normal, func(channel.ID, []byte) { <-release })
	audio := make(chan []byte, 1)
	d.SetHandler(channel.High, func(_ channel.ID, data []byte) { audio <- data })
	require.NoError(t, d.Start())

	require.NoError(t, d.Dispatch(channel.Control, []byte{0}))
	require.NoError(t, d.Dispatch(channel.Audio, []byte{42}))

	select {
	case data := <-audio:
		assert.Equal(t, []byte{42}, data)
	case <-time.After(time.Second):
		t.Fatal("audio blocked behind a stalled control handler")
	}
	close(release)
	d.Stop()
}

func TestDispatcher_CopiesData(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)
	rec := newRecorder()
	d.SetHandler(channel.Normal, rec.handler(channel.Normal))

	buf := []byte{1, 2, 3}
	require.NoError(t, d.Dispatch(channel.Phone, buf))
	buf[0] = 9

	require.NoError(t, d.Start())
	d.Stop()
	got := rec.messages(channel.Normal)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Data)
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, d.Start())
	assert.True(t, errors.Is(d.Start(), pkg.ErrAlreadyRunning))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Stop()
		}()
	}
	wg.Wait()
	d.Stop()

	assert.True(t, errors.Is(d.Dispatch(channel.Audio, nil), pkg.ErrDispatcherStopped))
	assert.True(t, errors.Is(d.Start(), pkg.ErrDispatcherStopped))
}

func TestDispatcher_NilHandlerDiscards(t *testing.T) {
	d, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(channel.Navigation, []byte{1}))
	require.NoError(t, d.Start())
	d.Stop()
	assert.Equal(t, uint64(1), d.Stats().Class(channel.Normal).Dispatched)
}

func TestStats_InvalidClass(t *testing.T) {
	var s Stats
	assert.Equal(t, ClassStats{}, s.Class(channel.Class(7)))
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkDispatch(b *testing.B) {
	d, _ := New(testConfig())
	_ = d.Start()
	defer d.Stop()
	data := make([]byte, 512)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = d.Dispatch(channel.Audio, data)
	}
}
