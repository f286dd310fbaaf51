package httpd

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/hoststore"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/token"
)

func mintToken(e *testEnv, secret string, credits int) {
	e.tokens.tokens[secret] = &token.Token{
		Secret:      secret,
		Expiry:      time.Now().Add(time.Hour),
		Credits:     credits,
		ProfileName: "base_managed",
	}
}

func registerBody(fqdn, version string) string {
	data, _ := json.Marshal(model.RegistrationRequest{
		FQDN:     fqdn,
		Nodename: "oss1",
		Address:  "10.0.0.5",
		Version:  version,
		CSR:      "CN=" + fqdn,
	})
	return string(data)
}

func TestSetupScript(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "secret1", 1)

	w := e.do(http.MethodPost, "/agent/setup/secret1/", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	script := w.Body.String()
	assert.Contains(t, script, "#!/bin/bash")
	assert.Contains(t, script, "fakeauthority")
	assert.Contains(t, script, "lustre chroma-agent-management")
	assert.Contains(t, script, "https://mgr.example.com:8443/agent/register/secret1/")

	// The preflight must not spend the credit.
	assert.Equal(t, 1, e.tokens.tokens["secret1"].Credits)
}

// A monitor-only profile must not pull in the management package.
func TestSetupScriptUnmanagedProfile(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "secret1", 1)
	e.tokens.tokens["secret1"].ProfileName = "base_monitored"

	w := e.do(http.MethodPost, "/agent/setup/secret1/", "", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	script := w.Body.String()
	assert.Contains(t, script, "yum install -y lustre\n")
	assert.NotContains(t, script, "chroma-agent-management")
}

func TestSetupDeniesUnusableToken(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "spent", 0)

	w := e.do(http.MethodPost, "/agent/setup/spent/", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/agent/setup/nosuch/", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegisterIssuesCertificate(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "secret1", 1)

	w := e.do(http.MethodPost, "/agent/register/secret1/",
		registerBody("oss1.example.com", "6.2.0"), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp model.RegistrationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(10), resp.CommandID)
	assert.Equal(t, int64(42), resp.HostID)
	assert.Equal(t, "signed:CN=oss1.example.com", resp.Certificate)

	// The new serial authorises immediately and the scheduler saw the
	// host.
	fqdn, ok := e.certs.Authorize("abc123", "oss1.example.com")
	assert.True(t, ok)
	assert.Equal(t, "oss1.example.com", fqdn)
	assert.Equal(t, []string{"oss1.example.com/oss1/base_managed/abc123"}, e.scheduler.calls)
	assert.Equal(t, 0, e.tokens.tokens["secret1"].Credits)
}

func TestRegisterDeniesExhaustedToken(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "spent", 0)

	w := e.do(http.MethodPost, "/agent/register/spent/",
		registerBody("oss1.example.com", "6.2.0"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, e.tokens.tokens["spent"].Credits)
	assert.Empty(t, e.scheduler.calls)
}

func TestRegisterDeniesCancelledToken(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "cancelled", 5)
	e.tokens.tokens["cancelled"].Cancelled = true

	w := e.do(http.MethodPost, "/agent/register/cancelled/",
		registerBody("oss1.example.com", "6.2.0"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 5, e.tokens.tokens["cancelled"].Credits)
}

func TestRegisterVersionCompatibility(t *testing.T) {
	tests := []struct {
		name           string
		managerVersion string
		agentVersion   string
		wantStatus     int
	}{
		{"major mismatch", "2.0.0", "1.0.0", http.StatusBadRequest},
		{"agent minor ahead", "1.0.0", "1.1.0", http.StatusBadRequest},
		{"manager minor ahead", "1.1.0", "1.0.0", http.StatusCreated},
		{"exact match", "6.2.0", "6.2.0", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Version = tt.managerVersion
			e := newTestEnv(cfg)
			mintToken(e, "secret1", 1)

			w := e.do(http.MethodPost, "/agent/register/secret1/",
				registerBody("oss1.example.com", tt.agentVersion), nil)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestRegisterRejectsCommonNameMismatch(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "secret1", 1)

	body, _ := json.Marshal(model.RegistrationRequest{
		FQDN:    "oss1.example.com",
		Version: "6.2.0",
		CSR:     "CN=someone-else.example.com",
	})
	w := e.do(http.MethodPost, "/agent/register/secret1/", string(body), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, e.scheduler.calls)
}

func TestRegisterRejectsFQDNInUse(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "secret1", 1)
	e.hosts.hosts["oss1.example.com"] = &hoststore.Host{
		FQDN: "oss1.example.com", State: "managed",
	}

	w := e.do(http.MethodPost, "/agent/register/secret1/",
		registerBody("oss1.example.com", "6.2.0"), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"FQDN in use"}, resp["fqdn"])
}

func TestRegisterAllowsUndeployedFQDN(t *testing.T) {
	e := newTestEnv(testConfig())
	mintToken(e, "secret1", 1)
	e.hosts.hosts["oss1.example.com"] = &hoststore.Host{
		FQDN: "oss1.example.com", State: "undeployed",
	}

	w := e.do(http.MethodPost, "/agent/register/secret1/",
		registerBody("oss1.example.com", "6.2.0"), nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestReregisterMovesCertificate(t *testing.T) {
	e := newTestEnv(testConfig())
	hdr := e.grant("s1", "old.example.com")

	body, _ := json.Marshal(model.ReregistrationRequest{
		FQDN:    "new.example.com",
		Address: "10.0.0.9",
	})
	w := e.do(http.MethodPost, "/agent/reregister/", string(body), hdr)
	require.Equal(t, http.StatusOK, w.Code)

	fqdn, ok := e.certs.Authorize("s1", "new.example.com")
	assert.True(t, ok)
	assert.Equal(t, "new.example.com", fqdn)
	assert.Equal(t, []string{"old.example.com->new.example.com@10.0.0.9"}, e.hosts.updated)
}

func TestReregisterRequiresCertificate(t *testing.T) {
	e := newTestEnv(testConfig())

	w := e.do(http.MethodPost, "/agent/reregister/", `{"fqdn":"x","address":"y"}`, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
