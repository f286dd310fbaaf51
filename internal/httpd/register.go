package httpd

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/gorilla/mux"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/token"
)

// bootstrapScript is served to a bare host before it holds a
// certificate. It trusts the local CA, configures the repos from the
// token's profile, installs the agent and registers with the same token.
var bootstrapScript = template.Must(template.New("bootstrap").Parse(`#!/bin/bash
set -e

mkdir -p /var/lib/chroma
cat > /var/lib/chroma/authority.crt << 'EOF'
{{.CACert}}EOF

cat > /etc/yum.repos.d/Intel-Lustre-Agent.repo << 'EOF'
{{.RepoContents}}
EOF

yum install -y {{.Packages}}

chroma-agent register_server --url {{.RegisterURL}} --ca /var/lib/chroma/authority.crt
echo "Bootstrapped at {{.Epoch}}"
`))

type bootstrapParams struct {
	CACert       string
	RepoContents string
	Packages     string
	RegisterURL  string
	Epoch        int64
}

// managementPackage is installed on top of a profile's base packages when
// the profile is managed; monitor-only deployments skip it.
const managementPackage = "chroma-agent-management"

// Setup hands a bare host its bootstrap script. The token is checked but
// not spent (decrement 0); the credit goes when the host registers.
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	secret := mux.Vars(r)["token"]
	tok, err := h.tokens.Consume(r.Context(), secret, 0)
	if err != nil {
		if errors.Is(err, token.ErrDenied) {
			writeError(w, http.StatusForbidden, "forbidden")
		} else {
			h.logger.Error("token lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	prof, err := h.profiles.Get(r.Context(), tok.ProfileName)
	if err != nil {
		h.logger.Error("profile lookup failed", "profile", tok.ProfileName, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	caCert, err := h.crypto.AuthorityCertPEM()
	if err != nil {
		h.logger.Error("failed to load authority certificate", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	registerURL, err := url.JoinPath(h.serverHTTPURL, "agent", "register", secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	packages := append([]string{}, prof.BasePackages...)
	if prof.Managed {
		packages = append(packages, managementPackage)
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	err = bootstrapScript.Execute(w, bootstrapParams{
		CACert:       caCert,
		RepoContents: prof.RepoContents,
		Packages:     strings.Join(packages, " "),
		RegisterURL:  registerURL + "/",
		Epoch:        time.Now().Unix(),
	})
	if err != nil {
		h.logger.Error("failed to render bootstrap script", "error", err)
	}
}

// Register turns a CSR plus a valid token into a signed certificate and a
// managed host record.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	secret := mux.Vars(r)["token"]
	tok, err := h.tokens.Consume(r.Context(), secret, 1)
	if err != nil {
		if errors.Is(err, token.ErrDenied) {
			writeError(w, http.StatusForbidden, "forbidden")
		} else {
			h.logger.Error("token consume failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req model.RegistrationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if req.FQDN == "" || req.CSR == "" {
		writeError(w, http.StatusBadRequest, "fqdn and csr are required")
		return
	}

	agentVersion := model.ParseVersion(req.Version)
	if !model.Compatible(h.version, agentVersion) {
		h.logger.Warn("rejecting registration for incompatible agent",
			"fqdn", req.FQDN, "agent_version", req.Version)
		writeError(w, http.StatusBadRequest, "incompatible agent version")
		return
	}

	cn, err := h.crypto.GetCommonName(req.CSR)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed csr")
		return
	}
	if cn != req.FQDN {
		h.logger.Warn("csr common name does not match fqdn", "cn", cn, "fqdn", req.FQDN)
		writeError(w, http.StatusBadRequest, "csr common name mismatch")
		return
	}

	host, err := h.hosts.GetByFQDN(r.Context(), req.FQDN)
	if err != nil {
		h.logger.Error("host lookup failed", "fqdn", req.FQDN, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if host != nil && host.State != "undeployed" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"fqdn": {"FQDN in use"}})
		return
	}

	certPEM, err := h.crypto.Sign(req.CSR)
	if err != nil {
		h.logger.Error("failed to sign csr", "fqdn", req.FQDN, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	serial, err := h.crypto.GetSerial(certPEM)
	if err != nil {
		h.logger.Error("failed to read serial from issued certificate", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.certs.Register(r.Context(), req.FQDN, serial); err != nil {
		h.logger.Error("failed to record certificate", "fqdn", req.FQDN, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	commandID, hostID, err := h.scheduler.CreateHost(req.FQDN, req.Nodename, req.Address, tok.ProfileName, serial)
	if err != nil {
		h.logger.Error("scheduler create_host failed", "fqdn", req.FQDN, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("registered host", "fqdn", req.FQDN, "host_id", hostID)
	writeJSON(w, http.StatusCreated, model.RegistrationResponse{
		CommandID:   commandID,
		HostID:      hostID,
		Certificate: certPEM,
	})
}

// Reregister moves an existing certificate to a new fqdn and address, for
// hosts whose identity changed under a still-valid certificate.
func (h *Handler) Reregister(w http.ResponseWriter, r *http.Request) {
	oldFQDN, serial, ok := h.authorize(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req model.ReregistrationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}
	if req.FQDN == "" {
		writeError(w, http.StatusBadRequest, "fqdn is required")
		return
	}

	if err := h.certs.Reassign(r.Context(), serial, req.FQDN); err != nil {
		h.logger.Error("failed to reassign certificate", "serial", serial, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.hosts.UpdateFQDNAddress(r.Context(), oldFQDN, req.FQDN, req.Address); err != nil {
		h.logger.Error("failed to update host record", "fqdn", req.FQDN, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("reregistered host", "old_fqdn", oldFQDN, "fqdn", req.FQDN)
	writeJSON(w, http.StatusOK, map[string]string{})
}
