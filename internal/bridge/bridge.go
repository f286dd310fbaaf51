package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/fabric"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/metrics"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
)

const (
	// TxSubject carries agent-bound traffic published by backend services.
	TxSubject = "agent_tx"
	// txQueueGroup load-balances across broker instances.
	txQueueGroup = "http_agent"
	// HostEventsSubject carries reboot and contact-state events.
	HostEventsSubject = "host_events"

	connectTimeout = 10 * time.Second
	reconnectWait  = 2 * time.Second
)

// RxSubject returns the per-plugin subject backend services consume.
func RxSubject(plugin string) string {
	return fmt.Sprintf("agent_%s_rx", plugin)
}

// Connect dials the bus with unlimited reconnects. onReconnect runs after
// every re-establishment; the broker uses it to re-emit
// SESSION_TERMINATE_ALL so peer services drop state from before the
// outage.
func Connect(url string, logger *slog.Logger, onReconnect func()) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("bus connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("bus connection re-established", "url", nc.ConnectedUrl())
			if onReconnect != nil {
				onReconnect()
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", url, err)
	}
	return nc, nil
}

// HostEvent is published on HostEventsSubject.
type HostEvent struct {
	FQDN     string     `json:"fqdn"`
	Event    string     `json:"event"` // "contact" or "reboot"
	Healthy  *bool      `json:"healthy,omitempty"`
	BootTime *time.Time `json:"boot_time,omitempty"`
	At       time.Time  `json:"at"`
}

// Bridge pumps envelopes between the bus and the per-host queue fabric:
// one subscription drains agent_tx into host TX queues, one goroutine
// drains the RX sink onto per-plugin subjects. Delivery is transient;
// a failed publish is dropped with a warning, availability over
// at-least-once.
type Bridge struct {
	nc     *nats.Conn
	fab    *fabric.Fabric
	logger *slog.Logger
	m      *metrics.Metrics

	txSub *nats.Subscription
}

// New creates a Bridge over an established bus connection.
func New(nc *nats.Conn, fab *fabric.Fabric, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{nc: nc, fab: fab, logger: logger, m: m}
}

// Start subscribes the TX forwarder and launches the RX forwarder. It
// returns once both are running; Stop with the context.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.nc.QueueSubscribe(TxSubject, txQueueGroup, b.handleTx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", TxSubject, err)
	}
	b.txSub = sub
	b.logger.Info("TX forwarder subscribed", "subject", TxSubject, "queue", txQueueGroup)

	go b.rxLoop(ctx)
	return nil
}

// Drain detaches from the bus gracefully.
func (b *Bridge) Drain() {
	if b.txSub != nil {
		if err := b.txSub.Drain(); err != nil {
			b.logger.Error("failed to drain TX subscription", "error", err)
		}
	}
}

// handleTx places a service-published envelope on the right host's TX
// queue.
func (b *Bridge) handleTx(msg *nats.Msg) {
	var env model.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("discarding unparseable TX message", "error", err)
		return
	}
	if err := env.Validate(); err != nil {
		b.logger.Warn("discarding invalid TX message", "error", err)
		return
	}
	b.logger.Debug("TX forward", "message", env.String())
	b.fab.Send(env)
}

// rxLoop drains the shared RX sink onto per-plugin bus subjects.
func (b *Bridge) rxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.fab.RX():
			b.publishRx(env)
		}
	}
}

func (b *Bridge) publishRx(env model.Envelope) {
	plugin := env.PluginName()
	if plugin == "" {
		b.logger.Warn("RX message without plugin, dropping", "fqdn", env.FQDN, "type", string(env.Type))
		b.m.MessagesDropped.Inc()
		return
	}
	data, err := json.Marshal(&env)
	if err != nil {
		b.logger.Error("failed to encode RX message", "error", err)
		b.m.MessagesDropped.Inc()
		return
	}
	if err := b.nc.Publish(RxSubject(plugin), data); err != nil {
		b.logger.Warn("failed to publish RX message, dropping",
			"subject", RxSubject(plugin), "error", err)
		b.m.MessagesDropped.Inc()
		return
	}
	b.logger.Debug("RX forward", "message", env.String())
}

// HostContact publishes a host online/offline transition. Implements the
// liveness event interface.
func (b *Bridge) HostContact(fqdn string, healthy bool) {
	b.publishHostEvent(HostEvent{FQDN: fqdn, Event: "contact", Healthy: &healthy, At: time.Now()})
}

// HostReboot publishes a server reboot observation.
func (b *Bridge) HostReboot(fqdn string, bootTime time.Time) {
	b.publishHostEvent(HostEvent{FQDN: fqdn, Event: "reboot", BootTime: &bootTime, At: time.Now()})
}

func (b *Bridge) publishHostEvent(ev HostEvent) {
	data, err := json.Marshal(&ev)
	if err != nil {
		b.logger.Error("failed to encode host event", "error", err)
		return
	}
	if err := b.nc.Publish(HostEventsSubject, data); err != nil {
		b.logger.Warn("failed to publish host event", "fqdn", ev.FQDN, "error", err)
	}
}
