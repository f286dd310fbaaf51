package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/metrics"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
)

// Queues is the slice of the queue fabric the session manager drives:
// Send queues an envelope toward the agent, Receive pushes one toward the
// bus. Both are non-blocking.
type Queues interface {
	Send(env model.Envelope)
	Receive(env model.Envelope)
}

// Session identifies one instance of a plugin channel on one host.
type Session struct {
	ID        string
	FQDN      string
	Plugin    string
	CreatedAt time.Time
}

type key struct {
	fqdn   string
	plugin string
}

// Manager tracks the single active session per (fqdn, plugin) and owns
// every transition: creation, supersession, reset, and teardown. One
// broker-wide mutex guards the map; operations under it are short and
// never perform I/O.
type Manager struct {
	mu       sync.Mutex
	sessions map[key]*Session
	queues   Queues
	logger   *slog.Logger
	m        *metrics.Metrics
}

// NewManager creates a Manager on top of the queue fabric.
func NewManager(queues Queues, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		sessions: make(map[key]*Session),
		queues:   queues,
		logger:   logger,
		m:        m,
	}
}

// Create opens a session for (fqdn, plugin), superseding and terminating
// any predecessor. Bus consumers always observe the old session's
// SESSION_TERMINATE before the successor's SESSION_CREATE.
func (m *Manager) Create(fqdn, plugin string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{fqdn: fqdn, plugin: plugin}
	if old, ok := m.sessions[k]; ok {
		m.logger.Warn("destroying session to create new one",
			"fqdn", fqdn, "plugin", plugin, "session_id", old.ID)
		m.queues.Receive(busTerminate(fqdn, plugin, old.ID))
		m.m.SessionsTerminated.Inc()
	}

	s := &Session{
		ID:        uuid.New().String(),
		FQDN:      fqdn,
		Plugin:    plugin,
		CreatedAt: time.Now(),
	}
	m.sessions[k] = s
	m.queues.Receive(model.Envelope{
		FQDN:      fqdn,
		Type:      model.TypeSessionCreate,
		Plugin:    model.Str(plugin),
		SessionID: model.Str(s.ID),
	})
	m.m.SessionsCreated.Inc()
	m.logger.Info("created session", "fqdn", fqdn, "plugin", plugin, "session_id", s.ID)
	return s
}

// Get returns the active session for (fqdn, plugin), if any.
func (m *Manager) Get(fqdn, plugin string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key{fqdn: fqdn, plugin: plugin}]
	return s, ok
}

// HandleData routes a DATA envelope from the agent: forwarded to the bus
// when its session id is current, otherwise dropped with a terminate
// queued back so the agent discards the dead session.
func (m *Manager) HandleData(env model.Envelope) {
	m.mu.Lock()
	s, ok := m.sessions[key{fqdn: env.FQDN, plugin: env.PluginName()}]
	m.mu.Unlock()

	if !ok || s.ID != env.Session() {
		m.logger.Warn("terminating unknown session",
			"fqdn", env.FQDN, "plugin", env.PluginName(), "session_id", env.Session())
		m.queues.Send(agentTerminate(env.FQDN, env.PluginName()))
		return
	}
	m.queues.Receive(env)
	m.m.MessagesRxTotal.Inc()
}

// ResetSession forgets the session for (fqdn, plugin) and tells the agent
// to drop it. Unknown sessions are a no-op, so repeated resets are safe.
func (m *Manager) ResetSession(fqdn, plugin, sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[key{fqdn: fqdn, plugin: plugin}]
	if ok {
		delete(m.sessions, key{fqdn: fqdn, plugin: plugin})
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("ignoring request to terminate unknown session",
			"fqdn", fqdn, "plugin", plugin, "session_id", sessionID)
		return
	}
	m.logger.Warn("terminating session on request",
		"fqdn", fqdn, "plugin", plugin, "session_id", sessionID)
	m.queues.Send(agentTerminate(fqdn, plugin))
	m.m.SessionsTerminated.Inc()
}

// ResetPluginSessions applies ResetSession to every host running the
// plugin.
func (m *Manager) ResetPluginSessions(plugin string) {
	m.mu.Lock()
	var victims []*Session
	for k, s := range m.sessions {
		if k.plugin == plugin {
			victims = append(victims, s)
			delete(m.sessions, k)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		m.logger.Warn("terminating session on plugin reset",
			"fqdn", s.FQDN, "plugin", plugin, "session_id", s.ID)
		m.queues.Send(agentTerminate(s.FQDN, plugin))
		m.m.SessionsTerminated.Inc()
	}
}

// ResetHostSessions tears down every session for fqdn, notifying both the
// bus (with the concrete ids) and the agent. Called on liveness timeout
// and host removal.
func (m *Manager) ResetHostSessions(fqdn string) {
	m.mu.Lock()
	var victims []*Session
	for k, s := range m.sessions {
		if k.fqdn == fqdn {
			victims = append(victims, s)
			delete(m.sessions, k)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		m.queues.Receive(busTerminate(fqdn, s.Plugin, s.ID))
		m.queues.Send(agentTerminate(fqdn, s.Plugin))
		m.m.SessionsTerminated.Inc()
	}
	if len(victims) > 0 {
		m.logger.Info("reset host sessions", "fqdn", fqdn, "count", len(victims))
	}
}

// TerminateAll tells bus consumers of each named plugin to drop all
// session state. Emitted at broker startup and after a bus reconnect;
// any sessions the broker held are gone with its previous life.
func (m *Manager) TerminateAll(plugins []string) {
	for _, plugin := range plugins {
		m.queues.Receive(model.Envelope{
			// No single host is concerned; consumers match on plugin.
			FQDN:   "",
			Type:   model.TypeSessionTerminateAll,
			Plugin: model.Str(plugin),
		})
	}
}

// FilterOutgoing drops DATA envelopes whose session id is no longer
// current for their plugin. This closes the race where a backend service
// publishes into a session that ended while its message was in flight.
func (m *Manager) FilterOutgoing(fqdn string, msgs []model.Envelope) []model.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := msgs[:0]
	for _, env := range msgs {
		if env.Type == model.TypeData {
			s, ok := m.sessions[key{fqdn: fqdn, plugin: env.PluginName()}]
			if !ok || s.ID != env.Session() {
				m.logger.Debug("dropping message with stale session id",
					"fqdn", fqdn, "plugin", env.PluginName(), "session_id", env.Session())
				continue
			}
		}
		out = append(out, env)
	}
	return out
}

func busTerminate(fqdn, plugin, sessionID string) model.Envelope {
	return model.Envelope{
		FQDN:      fqdn,
		Type:      model.TypeSessionTerminate,
		Plugin:    model.Str(plugin),
		SessionID: model.Str(sessionID),
	}
}

// agentTerminate carries a null session id: the agent drops whatever
// session it holds for the plugin.
func agentTerminate(fqdn, plugin string) model.Envelope {
	return model.Envelope{
		FQDN:   fqdn,
		Type:   model.TypeSessionTerminate,
		Plugin: model.Str(plugin),
	}
}
