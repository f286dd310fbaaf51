package fabric

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/metrics"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFabric(cap int) *Fabric {
	return New(cap, testLogger(), metrics.Nop())
}

func dataEnvelope(fqdn, plugin, session string, seq int64) model.Envelope {
	return model.Envelope{
		FQDN:       fqdn,
		Type:       model.TypeData,
		Plugin:     model.Str(plugin),
		SessionID:  model.Str(session),
		SessionSeq: &seq,
	}
}

func TestSendRecvOrder(t *testing.T) {
	f := newTestFabric(16)
	for i := int64(0); i < 5; i++ {
		f.Send(dataEnvelope("h1", "lustre", "s1", i))
	}

	q := f.Host("h1")
	for i := int64(0); i < 5; i++ {
		env, ok := q.TryRecv()
		require.True(t, ok)
		assert.Equal(t, i, *env.SessionSeq, "TX queue preserves order")
	}
	_, ok := q.TryRecv()
	assert.False(t, ok)
}

func TestSendOverflowDrops(t *testing.T) {
	f := newTestFabric(2)
	for i := int64(0); i < 5; i++ {
		f.Send(dataEnvelope("h1", "lustre", "s1", i))
	}

	// Only the first two fit; the rest were dropped, not blocked on.
	q := f.Host("h1")
	var got []int64
	for {
		env, ok := q.TryRecv()
		if !ok {
			break
		}
		got = append(got, *env.SessionSeq)
	}
	assert.Equal(t, []int64{0, 1}, got)
}

func TestRecvBlocksUntilSend(t *testing.T) {
	f := newTestFabric(16)
	q := f.Host("h1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.Send(dataEnvelope("h1", "lustre", "s1", 7))
	}()

	env, ok := q.Recv(time.Second)
	require.True(t, ok)
	assert.Equal(t, int64(7), *env.SessionSeq)
}

func TestRecvTimesOut(t *testing.T) {
	f := newTestFabric(16)
	q := f.Host("h1")

	start := time.Now()
	_, ok := q.Recv(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestReceiveFeedsSharedSink(t *testing.T) {
	f := newTestFabric(16)
	f.Receive(dataEnvelope("h1", "lustre", "s1", 1))
	f.Receive(dataEnvelope("h2", "syslog", "s2", 2))

	env := <-f.RX()
	assert.Equal(t, "h1", env.FQDN)
	env = <-f.RX()
	assert.Equal(t, "h2", env.FQDN)
}

func TestRemoveHostCreatesFreshQueues(t *testing.T) {
	f := newTestFabric(16)
	old := f.Host("h1")
	f.Send(dataEnvelope("h1", "lustre", "s1", 1))
	f.RemoveHost("h1")

	// A new send lands on a fresh object; the old queue still drains its
	// own backlog for any GET already attached to it.
	f.Send(dataEnvelope("h1", "lustre", "s2", 2))
	fresh := f.Host("h1")
	assert.NotSame(t, old, fresh)

	env, ok := fresh.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "s2", env.Session())
}

func TestSingleDrainerLock(t *testing.T) {
	f := newTestFabric(16)
	q := f.Host("h1")

	q.LockDrain()
	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.LockDrain()
		close(acquired)
		q.UnlockDrain()
	}()

	select {
	case <-acquired:
		t.Fatal("second drainer acquired the lock while held")
	case <-time.After(50 * time.Millisecond):
	}

	q.UnlockDrain()
	wg.Wait()
	select {
	case <-acquired:
	default:
		t.Fatal("second drainer never acquired the lock")
	}
}
