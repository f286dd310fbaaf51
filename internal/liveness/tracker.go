package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SessionResetter tears down every session for a host; satisfied by the
// session manager.
type SessionResetter interface {
	ResetHostSessions(fqdn string)
}

// Events receives host state transitions for publication to the bus.
// Implementations must not block.
type Events interface {
	HostContact(fqdn string, healthy bool)
	HostReboot(fqdn string, bootTime time.Time)
}

// BootTimeRecorder persists an observed boot time to the external host
// relation.
type BootTimeRecorder interface {
	UpdateBootTime(ctx context.Context, fqdn string, bootTime time.Time) error
}

type hostState struct {
	fqdn            string
	lastContact     time.Time
	bootTime        time.Time
	clientStartTime string
	healthy         bool
}

// Tracker records when each host was last heard from. Every agent
// long-poll GET is the heartbeat; a background sweeper flips hosts
// offline when the contact timeout lapses.
type Tracker struct {
	mu    sync.Mutex
	hosts map[string]*hostState

	contactTimeout time.Duration
	pollInterval   time.Duration
	startupDelay   time.Duration

	sessions SessionResetter
	events   Events
	boots    BootTimeRecorder
	logger   *slog.Logger

	now func() time.Time
}

// NewTracker creates a Tracker. The sweeper is started separately with Run.
func NewTracker(contactTimeout, pollInterval, startupDelay time.Duration,
	sessions SessionResetter, events Events, boots BootTimeRecorder,
	logger *slog.Logger) *Tracker {
	return &Tracker{
		hosts:          make(map[string]*hostState),
		contactTimeout: contactTimeout,
		pollInterval:   pollInterval,
		startupDelay:   startupDelay,
		sessions:       sessions,
		events:         events,
		boots:          boots,
		logger:         logger,
		now:            time.Now,
	}
}

// Prime seeds the tracker with known hosts at startup. Hosts start
// unhealthy and flip healthy on their first contact; the sweeper never
// alerts on a host it has not heard from since boot.
func (t *Tracker) Prime(fqdns map[string]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fqdn, bootTime := range fqdns {
		t.hosts[fqdn] = &hostState{fqdn: fqdn, bootTime: bootTime}
	}
}

// Update records a heartbeat. It returns true when the agent process has
// changed since last seen (a different client start time), meaning the
// caller must send the agent a SESSION_TERMINATE_ALL so it drops sessions
// from its previous life.
func (t *Tracker) Update(fqdn string, bootTime time.Time, clientStartTime string) bool {
	var (
		requireReset bool
		rebooted     bool
		recovered    bool
		newBoot      time.Time
	)

	t.mu.Lock()
	state, ok := t.hosts[fqdn]
	if !ok {
		state = &hostState{fqdn: fqdn}
		t.hosts[fqdn] = state
	}
	state.lastContact = t.now()

	if !bootTime.IsZero() && !bootTime.Equal(state.bootTime) {
		known := !state.bootTime.IsZero()
		state.bootTime = bootTime
		if known {
			rebooted = true
			newBoot = bootTime
		}
	}

	if clientStartTime != "" && clientStartTime != state.clientStartTime {
		if state.clientStartTime != "" {
			t.logger.Warn("agent restart detected", "fqdn", fqdn, "client_start_time", clientStartTime)
		}
		state.clientStartTime = clientStartTime
		requireReset = true
	}

	if !state.healthy {
		state.healthy = true
		recovered = true
	}
	t.mu.Unlock()

	// Side effects happen outside the lock: event publication and the
	// boot-time write both touch I/O.
	if rebooted {
		t.logger.Warn("server rebooted", "fqdn", fqdn, "boot_time", newBoot)
		if err := t.boots.UpdateBootTime(context.Background(), fqdn, newBoot); err != nil {
			t.logger.Error("failed to record boot time", "fqdn", fqdn, "error", err)
		}
		t.events.HostReboot(fqdn, newBoot)
	}
	if recovered {
		t.events.HostContact(fqdn, true)
	}
	return requireReset
}

// RemoveHost forgets the host entirely.
func (t *Tracker) RemoveHost(fqdn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hosts, fqdn)
}

// Run sweeps for silent hosts until the context is cancelled. The initial
// delay avoids flapping every known host offline right after broker boot,
// before agents have had a chance to reconnect.
func (t *Tracker) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(t.startupDelay):
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep flips every overdue host offline and tears down its sessions.
func (t *Tracker) sweep() {
	now := t.now()

	t.mu.Lock()
	var expired []string
	for fqdn, state := range t.hosts {
		if state.healthy && now.Sub(state.lastContact) > t.contactTimeout {
			state.healthy = false
			expired = append(expired, fqdn)
		}
	}
	t.mu.Unlock()

	for _, fqdn := range expired {
		t.logger.Warn("host contact lost", "fqdn", fqdn)
		t.events.HostContact(fqdn, false)
		t.sessions.ResetHostSessions(fqdn)
	}
}
