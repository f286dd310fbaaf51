package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// Subject is the request queue for session-control RPCs. Replies ride
	// the caller's inbox.
	Subject = "AgentSessionRpc.requests"

	queueGroup = "AgentSessionRpc"

	// DefaultTimeout bounds a caller's wait for a reply.
	DefaultTimeout = 300 * time.Second
)

// Request is the bus-level RPC envelope.
type Request struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// Response carries a result or an error string, never both.
type Response struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Sessions is the session-manager surface the RPC service drives.
type Sessions interface {
	ResetSession(fqdn, plugin, sessionID string)
	ResetPluginSessions(plugin string)
	ResetHostSessions(fqdn string)
}

// HostRemover is everything that forgets per-host state on removal.
type HostRemover interface {
	RemoveHost(fqdn string)
}

// CertRevoker revokes all certificates bound to an fqdn.
type CertRevoker interface {
	RevokeAllFor(ctx context.Context, fqdn string) error
}

// Service answers session-control RPCs from peer services.
type Service struct {
	nc       *nats.Conn
	sessions Sessions
	queues   HostRemover
	hosts    HostRemover
	certs    CertRevoker
	logger   *slog.Logger

	sub *nats.Subscription
}

// NewService wires the RPC surface over the broker's components. queues
// and hosts are the queue fabric and the liveness tracker respectively.
func NewService(nc *nats.Conn, sessions Sessions, queues, hosts HostRemover,
	certs CertRevoker, logger *slog.Logger) *Service {
	return &Service{
		nc:       nc,
		sessions: sessions,
		queues:   queues,
		hosts:    hosts,
		certs:    certs,
		logger:   logger,
	}
}

// Start subscribes the service to its request queue.
func (s *Service) Start() error {
	sub, err := s.nc.QueueSubscribe(Subject, queueGroup, s.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Subject, err)
	}
	s.sub = sub
	s.logger.Info("control RPC listening", "subject", Subject)
	return nil
}

// Drain detaches from the request queue gracefully.
func (s *Service) Drain() {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.logger.Error("failed to drain control RPC subscription", "error", err)
		}
	}
}

func (s *Service) handle(msg *nats.Msg) {
	var req Request
	resp := Response{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = fmt.Sprintf("malformed request: %v", err)
	} else if err := s.Dispatch(req.Method, req.Args); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = json.RawMessage(`null`)
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(&resp)
	if err != nil {
		s.logger.Error("failed to encode RPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send RPC response", "error", err)
	}
}

type resetSessionArgs struct {
	FQDN      string `json:"fqdn"`
	Plugin    string `json:"plugin"`
	SessionID string `json:"session_id"`
}

type pluginArgs struct {
	Plugin string `json:"plugin"`
}

type fqdnArgs struct {
	FQDN string `json:"fqdn"`
}

// Dispatch routes one RPC by method name. Exposed for tests.
func (s *Service) Dispatch(method string, args json.RawMessage) error {
	switch method {
	case "reset_session":
		var a resetSessionArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("bad reset_session args: %w", err)
		}
		if a.FQDN == "" || a.Plugin == "" {
			return fmt.Errorf("reset_session requires fqdn and plugin")
		}
		s.sessions.ResetSession(a.FQDN, a.Plugin, a.SessionID)
		return nil

	case "reset_plugin_sessions":
		var a pluginArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("bad reset_plugin_sessions args: %w", err)
		}
		if a.Plugin == "" {
			return fmt.Errorf("reset_plugin_sessions requires plugin")
		}
		s.sessions.ResetPluginSessions(a.Plugin)
		return nil

	case "remove_host":
		var a fqdnArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return fmt.Errorf("bad remove_host args: %w", err)
		}
		if a.FQDN == "" {
			return fmt.Errorf("remove_host requires fqdn")
		}
		s.removeHost(a.FQDN)
		return nil

	default:
		return fmt.Errorf("unknown method %q", method)
	}
}

// removeHost is the compound teardown: sessions first so terminates are
// emitted while the queues still exist, then queues, liveness, and
// finally certificate revocation so the host cannot return with its old
// identity.
func (s *Service) removeHost(fqdn string) {
	s.logger.Info("removing host", "fqdn", fqdn)
	s.sessions.ResetHostSessions(fqdn)
	s.queues.RemoveHost(fqdn)
	s.hosts.RemoveHost(fqdn)
	if err := s.certs.RevokeAllFor(context.Background(), fqdn); err != nil {
		s.logger.Error("failed to revoke certificates", "fqdn", fqdn, "error", err)
	}
}

// Call performs a synchronous control RPC from the client side.
func Call(nc *nats.Conn, method string, args any, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	argData, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	reqData, err := json.Marshal(&Request{Method: method, Args: argData})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	msg, err := nc.Request(Subject, reqData, timeout)
	if err != nil {
		return fmt.Errorf("RPC %s failed: %w", method, err)
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("malformed RPC response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("RPC %s: %s", method, resp.Error)
	}
	return nil
}
