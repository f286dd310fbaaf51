package fabric

import (
	"log/slog"
	"sync"
	"time"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/metrics"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
)

// HostQueues carries agent-bound traffic for one fqdn. The drain mutex
// guarantees a single long-poll GET reads the TX queue at a time and is
// held across the whole drain; the barrier protocol depends on that.
type HostQueues struct {
	fqdn    string
	tx      chan model.Envelope
	drainMu sync.Mutex
}

// LockDrain makes the caller the sole TX reader until UnlockDrain.
func (q *HostQueues) LockDrain() { q.drainMu.Lock() }

// UnlockDrain releases the TX reader slot.
func (q *HostQueues) UnlockDrain() { q.drainMu.Unlock() }

// Recv blocks for the next agent-bound envelope up to timeout.
func (q *HostQueues) Recv(timeout time.Duration) (model.Envelope, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-q.tx:
		return env, true
	case <-timer.C:
		return model.Envelope{}, false
	}
}

// TryRecv returns the next agent-bound envelope without blocking.
func (q *HostQueues) TryRecv() (model.Envelope, bool) {
	select {
	case env := <-q.tx:
		return env, true
	default:
		return model.Envelope{}, false
	}
}

// Fabric owns a TX queue per fqdn plus the single process-wide RX sink
// that feeds the bus bridge.
type Fabric struct {
	mu     sync.Mutex
	hosts  map[string]*HostQueues
	rx     chan model.Envelope
	txCap  int
	logger *slog.Logger
	m      *metrics.Metrics
}

// New creates a Fabric whose per-host TX queues hold up to txCap
// envelopes each.
func New(txCap int, logger *slog.Logger, m *metrics.Metrics) *Fabric {
	return &Fabric{
		hosts:  make(map[string]*HostQueues),
		rx:     make(chan model.Envelope, txCap),
		txCap:  txCap,
		logger: logger,
		m:      m,
	}
}

// Host returns the queues for fqdn, creating them lazily.
func (f *Fabric) Host(fqdn string) *HostQueues {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.hosts[fqdn]
	if !ok {
		q = &HostQueues{fqdn: fqdn, tx: make(chan model.Envelope, f.txCap)}
		f.hosts[fqdn] = q
	}
	return q
}

// Send enqueues an agent-bound envelope onto its host's TX queue. A full
// queue drops the message with a warning rather than blocking the bus
// consumer.
func (f *Fabric) Send(env model.Envelope) {
	q := f.Host(env.FQDN)
	select {
	case q.tx <- env:
	default:
		f.logger.Warn("TX queue full, dropping message",
			"fqdn", env.FQDN, "plugin", env.PluginName(), "type", string(env.Type))
		f.m.MessagesDropped.Inc()
	}
}

// Receive pushes an agent-originated envelope onto the shared RX sink for
// publication to the bus. Overflow drops with a warning.
func (f *Fabric) Receive(env model.Envelope) {
	select {
	case f.rx <- env:
	default:
		f.logger.Warn("RX sink full, dropping message",
			"fqdn", env.FQDN, "plugin", env.PluginName(), "type", string(env.Type))
		f.m.MessagesDropped.Inc()
	}
}

// RX exposes the shared sink to the bus bridge.
func (f *Fabric) RX() <-chan model.Envelope { return f.rx }

// RemoveHost drops the entry for fqdn. An outstanding GET on the old
// queues object will find it empty and return after its timeout.
func (f *Fabric) RemoveHost(fqdn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hosts, fqdn)
}
