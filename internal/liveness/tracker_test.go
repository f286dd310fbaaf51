package liveness

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEvents struct {
	contacts []struct {
		fqdn    string
		healthy bool
	}
	reboots []string
}

func (e *recordingEvents) HostContact(fqdn string, healthy bool) {
	e.contacts = append(e.contacts, struct {
		fqdn    string
		healthy bool
	}{fqdn, healthy})
}

func (e *recordingEvents) HostReboot(fqdn string, bootTime time.Time) {
	e.reboots = append(e.reboots, fqdn)
}

type recordingResetter struct {
	resets []string
}

func (r *recordingResetter) ResetHostSessions(fqdn string) {
	r.resets = append(r.resets, fqdn)
}

type nopBoots struct{}

func (nopBoots) UpdateBootTime(ctx context.Context, fqdn string, bootTime time.Time) error {
	return nil
}

func newTestTracker() (*Tracker, *recordingEvents, *recordingResetter) {
	events := &recordingEvents{}
	resetter := &recordingResetter{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	tr := NewTracker(60*time.Second, 10*time.Second, 30*time.Second,
		resetter, events, nopBoots{}, logger)
	return tr, events, resetter
}

func TestFirstContactFlipsHealthy(t *testing.T) {
	tr, events, _ := newTestTracker()
	boot := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	tr.Update("h1", boot, "2026-08-01T00:01:00Z")

	require.Len(t, events.contacts, 1)
	assert.True(t, events.contacts[0].healthy)
	assert.Empty(t, events.reboots, "first boot time is a baseline, not a reboot")
}

func TestRebootDetected(t *testing.T) {
	tr, events, _ := newTestTracker()
	boot1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	boot2 := boot1.Add(time.Hour)

	tr.Update("h1", boot1, "t1")
	tr.Update("h1", boot1, "t1")
	assert.Empty(t, events.reboots)

	tr.Update("h1", boot2, "t1")
	assert.Equal(t, []string{"h1"}, events.reboots)
}

func TestClientRestartRequiresReset(t *testing.T) {
	tr, _, _ := newTestTracker()
	boot := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// First sighting of a client start time counts as a change: the
	// broker cannot know what sessions a previous broker life granted.
	assert.True(t, tr.Update("h1", boot, "t1"))
	assert.False(t, tr.Update("h1", boot, "t1"))
	assert.True(t, tr.Update("h1", boot, "t2"), "new agent process")
	assert.False(t, tr.Update("h1", boot, "t2"))
}

func TestPrimedHostNoResetlessSweep(t *testing.T) {
	tr, events, resetter := newTestTracker()
	tr.Prime(map[string]time.Time{"h1": {}, "h2": {}})

	// Primed hosts are unhealthy until first contact; the sweeper must
	// not alert or reset sessions for hosts that never connected.
	tr.sweep()
	assert.Empty(t, events.contacts)
	assert.Empty(t, resetter.resets)
}

func TestSweepFlipsSilentHostOffline(t *testing.T) {
	tr, events, resetter := newTestTracker()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.Update("h1", time.Time{}, "t1")
	events.contacts = nil

	// Inside the contact timeout: nothing happens.
	now = base.Add(30 * time.Second)
	tr.sweep()
	assert.Empty(t, events.contacts)

	// Beyond it: exactly one offline event and a session teardown.
	now = base.Add(61 * time.Second)
	tr.sweep()
	require.Len(t, events.contacts, 1)
	assert.False(t, events.contacts[0].healthy)
	assert.Equal(t, []string{"h1"}, resetter.resets)

	// A second sweep does not repeat the transition.
	tr.sweep()
	assert.Len(t, events.contacts, 1)
	assert.Len(t, resetter.resets, 1)
}

func TestContactAfterTimeoutRecovers(t *testing.T) {
	tr, events, _ := newTestTracker()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.Update("h1", time.Time{}, "t1")
	now = base.Add(2 * time.Minute)
	tr.sweep()
	events.contacts = nil

	tr.Update("h1", time.Time{}, "t1")
	require.Len(t, events.contacts, 1)
	assert.True(t, events.contacts[0].healthy, "contact clears the offline state")
}

func TestRemoveHost(t *testing.T) {
	tr, events, resetter := newTestTracker()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.Update("h1", time.Time{}, "t1")
	tr.RemoveHost("h1")
	events.contacts = nil

	now = base.Add(5 * time.Minute)
	tr.sweep()
	assert.Empty(t, events.contacts)
	assert.Empty(t, resetter.resets)
}
