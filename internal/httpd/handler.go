package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/config"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/fabric"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/hoststore"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/metrics"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/profile"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/session"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/token"
)

// Client identity headers set by the TLS terminator. Handlers trust
// these and nothing else for authentication.
const (
	HeaderClientOn     = "X-Ssl-Client-On"
	HeaderClientName   = "X-Ssl-Client-Name"
	HeaderClientSerial = "X-Ssl-Client-Serial"
)

// Authorizer maps a presented certificate to its registered fqdn.
type Authorizer interface {
	Authorize(serial, name string) (string, bool)
	Register(ctx context.Context, fqdn, serial string) error
	Reassign(ctx context.Context, serial, fqdn string) error
}

// Sessions is the session-manager surface the handlers use.
type Sessions interface {
	Create(fqdn, plugin string) *session.Session
	HandleData(env model.Envelope)
	FilterOutgoing(fqdn string, msgs []model.Envelope) []model.Envelope
}

// Liveness records agent heartbeats.
type Liveness interface {
	Update(fqdn string, bootTime time.Time, clientStartTime string) bool
}

// TokenConsumer spends registration-token credits.
type TokenConsumer interface {
	Consume(ctx context.Context, secret string, decrement int) (*token.Token, error)
}

// Signer is the certificate-authority surface for registration.
type Signer interface {
	AuthorityCertPEM() (string, error)
	Sign(csrPEM string) (string, error)
	GetCommonName(csrPEM string) (string, error)
	GetSerial(certPEM string) (string, error)
}

// HostDirectory reads and updates the external host relation.
type HostDirectory interface {
	GetByFQDN(ctx context.Context, fqdn string) (*hoststore.Host, error)
	UpdateFQDNAddress(ctx context.Context, oldFQDN, newFQDN, address string) error
}

// ProfileDirectory looks up server profiles for the setup script.
type ProfileDirectory interface {
	Get(ctx context.Context, name string) (*profile.Profile, error)
}

// HostCreator asks the job scheduler to create a managed host.
type HostCreator interface {
	CreateHost(fqdn, nodename, address, profileName, certSerial string) (commandID, hostID int64, err error)
}

// Deps collects everything the agent handlers operate on.
type Deps struct {
	Certs     Authorizer
	Sessions  Sessions
	Fabric    *fabric.Fabric
	Liveness  Liveness
	Tokens    TokenConsumer
	Crypto    Signer
	Hosts     HostDirectory
	Profiles  ProfileDirectory
	Scheduler HostCreator
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Config    *config.Config
}

// Handler serves the agent-facing endpoints.
type Handler struct {
	certs     Authorizer
	sessions  Sessions
	fab       *fabric.Fabric
	live      Liveness
	tokens    TokenConsumer
	crypto    Signer
	hosts     HostDirectory
	profiles  ProfileDirectory
	scheduler HostCreator
	logger    *slog.Logger
	m         *metrics.Metrics

	version       model.Version
	serverHTTPURL string
	longPoll      time.Duration
	drainCap      int
	maxBody       int64
}

// NewHandler builds the agent endpoint handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		certs:         d.Certs,
		sessions:      d.Sessions,
		fab:           d.Fabric,
		live:          d.Liveness,
		tokens:        d.Tokens,
		crypto:        d.Crypto,
		hosts:         d.Hosts,
		profiles:      d.Profiles,
		scheduler:     d.Scheduler,
		logger:        d.Logger,
		m:             d.Metrics,
		version:       model.ParseVersion(d.Config.Version),
		serverHTTPURL: d.Config.ServerHTTPURL,
		longPoll:      d.Config.LongPollTimeout(),
		drainCap:      d.Config.GetDrainCap,
		maxBody:       d.Config.MaxBodyBytes,
	}
}

// authorize resolves the TLS terminator's identity headers through the
// certificate store. On failure it writes the 403 itself and returns
// ok=false.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (fqdn, serial string, ok bool) {
	if r.Header.Get(HeaderClientOn) != "SUCCESS" {
		h.m.AuthFailuresTotal.Inc()
		writeError(w, http.StatusForbidden, "client certificate required")
		return "", "", false
	}
	name := r.Header.Get(HeaderClientName)
	serial = r.Header.Get(HeaderClientSerial)
	fqdn, ok = h.certs.Authorize(serial, name)
	if !ok {
		h.m.AuthFailuresTotal.Inc()
		writeError(w, http.StatusForbidden, "unauthorized")
		return "", "", false
	}
	return fqdn, serial, true
}

// readBody drains a capped, possibly gzip-encoded request body. A body
// over the cap writes the 413 itself and returns ok=false.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var reader io.Reader = http.MaxBytesReader(w, r.Body, h.maxBody)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed gzip body")
			return nil, false
		}
		defer gz.Close()
		reader = gz
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read body")
		}
		return nil, false
	}
	return data, true
}

// Agents send ISO-8601 timestamps with microsecond precision, with or
// without a zone offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
