package httpd

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/config"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/fabric"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/hoststore"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/liveness"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/metrics"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/profile"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/session"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/token"
)

type fakeCerts struct {
	mu      sync.Mutex
	granted map[string]string // serial -> fqdn
}

func (f *fakeCerts) Authorize(serial, name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fqdn, ok := f.granted[serial]
	if !ok || fqdn != name {
		return "", false
	}
	return fqdn, true
}

func (f *fakeCerts) Register(_ context.Context, fqdn, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted[serial] = fqdn
	return nil
}

func (f *fakeCerts) Reassign(_ context.Context, serial, fqdn string) error {
	return f.Register(context.Background(), fqdn, serial)
}

func (f *fakeCerts) revoke(serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.granted, serial)
}

type fakeTokens struct {
	mu     sync.Mutex
	tokens map[string]*token.Token
}

func (f *fakeTokens) Consume(_ context.Context, secret string, decrement int) (*token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[secret]
	if !ok || !t.Usable(time.Now()) {
		return nil, token.ErrDenied
	}
	t.Credits -= decrement
	out := *t
	return &out, nil
}

type fakeCrypto struct {
	serial string
}

func (f *fakeCrypto) AuthorityCertPEM() (string, error) {
	return "-----BEGIN CERTIFICATE-----\nfakeauthority\n-----END CERTIFICATE-----\n", nil
}

func (f *fakeCrypto) Sign(csrPEM string) (string, error) {
	return "signed:" + csrPEM, nil
}

// Test CSRs are literal "CN=<name>" strings.
func (f *fakeCrypto) GetCommonName(csrPEM string) (string, error) {
	return strings.TrimPrefix(csrPEM, "CN="), nil
}

func (f *fakeCrypto) GetSerial(string) (string, error) {
	return f.serial, nil
}

type fakeHosts struct {
	mu      sync.Mutex
	hosts   map[string]*hoststore.Host
	updated []string // "old->new@addr"
}

func (f *fakeHosts) GetByFQDN(_ context.Context, fqdn string) (*hoststore.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[fqdn]
	if !ok {
		return nil, nil
	}
	out := *h
	return &out, nil
}

func (f *fakeHosts) UpdateFQDNAddress(_ context.Context, oldFQDN, newFQDN, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, oldFQDN+"->"+newFQDN+"@"+address)
	return nil
}

type fakeProfiles struct {
	profiles map[string]*profile.Profile
}

func (f *fakeProfiles) Get(_ context.Context, name string) (*profile.Profile, error) {
	if p, ok := f.profiles[name]; ok {
		return p, nil
	}
	return nil, os.ErrNotExist
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []string // "fqdn/nodename/profile/serial"
}

func (f *fakeScheduler) CreateHost(fqdn, nodename, address, profileName, certSerial string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fqdn+"/"+nodename+"/"+profileName+"/"+certSerial)
	return 10, 42, nil
}

type nopEvents struct{}

func (nopEvents) HostContact(string, bool)     {}
func (nopEvents) HostReboot(string, time.Time) {}

type nopBoots struct{}

func (nopBoots) UpdateBootTime(context.Context, string, time.Time) error { return nil }

// testEnv wires real fabric, session and liveness components behind the
// handler, with fakes at the persistence and crypto boundaries.
type testEnv struct {
	handler   http.Handler
	fab       *fabric.Fabric
	sessions  *session.Manager
	tracker   *liveness.Tracker
	certs     *fakeCerts
	tokens    *fakeTokens
	hosts     *fakeHosts
	scheduler *fakeScheduler
}

func newTestEnv(cfg *config.Config) *testEnv {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := metrics.Nop()
	fab := fabric.New(64, logger, m)
	sessions := session.NewManager(fab, logger, m)
	tracker := liveness.NewTracker(time.Minute, time.Minute, time.Minute,
		sessions, nopEvents{}, nopBoots{}, logger)

	certs := &fakeCerts{granted: map[string]string{}}
	tokens := &fakeTokens{tokens: map[string]*token.Token{}}
	hosts := &fakeHosts{hosts: map[string]*hoststore.Host{}}
	scheduler := &fakeScheduler{}
	profiles := &fakeProfiles{profiles: map[string]*profile.Profile{
		"base_managed": {
			Name:         "base_managed",
			Managed:      true,
			BasePackages: []string{"lustre"},
			RepoContents: "[lustre]\nbaseurl=https://mgr.example.com/repo\n",
		},
		"base_monitored": {
			Name:         "base_monitored",
			Managed:      false,
			BasePackages: []string{"lustre"},
			RepoContents: "[lustre]\nbaseurl=https://mgr.example.com/repo\n",
		},
	}}

	h := NewHandler(Deps{
		Certs:     certs,
		Sessions:  sessions,
		Fabric:    fab,
		Liveness:  tracker,
		Tokens:    tokens,
		Crypto:    &fakeCrypto{serial: "abc123"},
		Hosts:     hosts,
		Profiles:  profiles,
		Scheduler: scheduler,
		Logger:    logger,
		Metrics:   m,
		Config:    cfg,
	})

	return &testEnv{
		handler:   Router(h),
		fab:       fab,
		sessions:  sessions,
		tracker:   tracker,
		certs:     certs,
		tokens:    tokens,
		hosts:     hosts,
		scheduler: scheduler,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Version:            "6.2.0",
		ServerHTTPURL:      "https://mgr.example.com:8443/",
		LongPollTimeoutSec: 1,
		GetDrainCap:        256,
		MaxBodyBytes:       64 << 10,
		Plugins:            []string{"action_runner"},
	}
}

// grant installs a certificate mapping plus a managed host record and
// returns headers for it.
func (e *testEnv) grant(serial, fqdn string) http.Header {
	e.certs.mu.Lock()
	e.certs.granted[serial] = fqdn
	e.certs.mu.Unlock()
	e.hosts.mu.Lock()
	e.hosts.hosts[fqdn] = &hoststore.Host{FQDN: fqdn, State: "managed"}
	e.hosts.mu.Unlock()
	h := http.Header{}
	h.Set(HeaderClientOn, "SUCCESS")
	h.Set(HeaderClientName, fqdn)
	h.Set(HeaderClientSerial, serial)
	return h
}

func (e *testEnv) do(method, target string, body string, hdr http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// drainRX returns every envelope currently buffered on the bus-bound sink.
func (e *testEnv) drainRX() []model.Envelope {
	var out []model.Envelope
	for {
		select {
		case env := <-e.fab.RX():
			out = append(out, env)
		default:
			return out
		}
	}
}
