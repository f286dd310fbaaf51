package httpd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/cryptoutil"
)

// NewTLSConfig builds the front-end TLS configuration: TLS 1.2 only,
// a modern cipher allowlist, and optional client certificates verified
// against the local authority. Certificateless clients still reach the
// registration endpoints; everything else checks the identity headers.
func NewTLSConfig(crypto *cryptoutil.Crypto) (*tls.Config, error) {
	serverCert, err := crypto.ServerTLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	caPool, err := crypto.ClientCAPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load client CA pool: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    caPool,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		},
	}, nil
}

// ClientIdentity strips any X-SSL-Client-* headers the caller sent and
// repopulates them from the verified TLS peer certificate, so handlers
// can trust the headers without knowing about TLS.
func ClientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderClientOn)
		r.Header.Del(HeaderClientName)
		r.Header.Del(HeaderClientSerial)
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			cert := r.TLS.PeerCertificates[0]
			r.Header.Set(HeaderClientOn, "SUCCESS")
			r.Header.Set(HeaderClientName, cert.Subject.CommonName)
			r.Header.Set(HeaderClientSerial, cert.SerialNumber.Text(16))
		}
		next.ServeHTTP(w, r)
	})
}

// Router wires the agent endpoints. StrictSlash issues the 301 for a
// missing trailing slash.
func Router(h *Handler) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/agent/message/", h.PostMessage).Methods(http.MethodPost)
	r.HandleFunc("/agent/message/", h.GetMessage).Methods(http.MethodGet)
	r.HandleFunc("/agent/setup/{token}/", h.Setup).Methods(http.MethodPost)
	r.HandleFunc("/agent/register/{token}/", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/agent/reregister/", h.Reregister).Methods(http.MethodPost)
	return r
}

// NewAgentServer builds the public HTTPS server. Write timeout sits well
// above the long-poll bound so a full-length GET can still flush.
func NewAgentServer(port int, handler http.Handler, tlsConf *tls.Config, longPoll time.Duration) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      ClientIdentity(handler),
		TLSConfig:    tlsConf,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: longPoll + 30*time.Second,
	}
}

// NewRedirectServer builds the plaintext listener that 302-redirects
// everything to the HTTPS port.
func NewRedirectServer(port, httpsPort int) *http.Server {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := url.URL{
			Scheme:   "https",
			Host:     hostOnly(r.Host) + ":" + strconv.Itoa(httpsPort),
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		}
		http.Redirect(w, r, target.String(), http.StatusFound)
	})
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewMetricsServer builds the internal plaintext server carrying
// Prometheus metrics and the health probe.
func NewMetricsServer(port int) *http.Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      m,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Shutdown stops a server gracefully with a bounded wait.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
