package model

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of a session message envelope.
type MessageType string

const (
	// TypeData carries plugin payload in either direction.
	TypeData MessageType = "DATA"
	// TypeSessionCreateRequest is sent by an agent to open a plugin session.
	TypeSessionCreateRequest MessageType = "SESSION_CREATE_REQUEST"
	// TypeSessionCreateResponse is sent to the agent with the new session id.
	TypeSessionCreateResponse MessageType = "SESSION_CREATE_RESPONSE"
	// TypeSessionCreate announces a new session to bus consumers. It never
	// reaches the agent.
	TypeSessionCreate MessageType = "SESSION_CREATE"
	// TypeSessionTerminate ends a single session.
	TypeSessionTerminate MessageType = "SESSION_TERMINATE"
	// TypeSessionTerminateAll ends every session for its recipient.
	TypeSessionTerminateAll MessageType = "SESSION_TERMINATE_ALL"
	// TypeTxBarrier is a broker-internal marker used to cut loose long-polls
	// from a dead agent process. It never reaches the agent or the bus.
	TypeTxBarrier MessageType = "TX_BARRIER"
)

// Envelope is the JSON record exchanged with agents over HTTPS and with
// backend services over the bus. Plugin, session id, sequence and body are
// nullable on the wire.
type Envelope struct {
	FQDN       string          `json:"fqdn"`
	Type       MessageType     `json:"type"`
	Plugin     *string         `json:"plugin"`
	SessionID  *string         `json:"session_id"`
	SessionSeq *int64          `json:"session_seq"`
	Body       json.RawMessage `json:"body"`

	// ClientStartTime is set only on TX_BARRIER envelopes and is compared
	// verbatim against the client_start_time a GET presents.
	ClientStartTime string `json:"client_start_time,omitempty"`
}

// PluginName returns the plugin, or "" when null.
func (e *Envelope) PluginName() string {
	if e.Plugin == nil {
		return ""
	}
	return *e.Plugin
}

// Session returns the session id, or "" when null.
func (e *Envelope) Session() string {
	if e.SessionID == nil {
		return ""
	}
	return *e.SessionID
}

// Validate checks the envelope against the wire contract.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeData, TypeSessionCreateRequest, TypeSessionCreateResponse,
		TypeSessionCreate, TypeSessionTerminate, TypeSessionTerminateAll,
		TypeTxBarrier:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if e.FQDN == "" {
		return fmt.Errorf("missing fqdn")
	}
	switch e.Type {
	case TypeData:
		if e.PluginName() == "" {
			return fmt.Errorf("DATA message without plugin")
		}
		if e.Session() == "" {
			return fmt.Errorf("DATA message without session_id")
		}
	case TypeSessionCreateRequest:
		if e.PluginName() == "" {
			return fmt.Errorf("SESSION_CREATE_REQUEST without plugin")
		}
	}
	return nil
}

// String returns a compact fqdn/plugin/session description for logging.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s/%s/%s %s", e.FQDN, e.PluginName(), e.Session(), e.Type)
}

// Str is a convenience for building nullable wire fields.
func Str(s string) *string { return &s }

// AgentPost is the body of POST /agent/message/.
type AgentPost struct {
	ServerBootTime  string     `json:"server_boot_time"`
	ClientStartTime string     `json:"client_start_time"`
	Messages        []Envelope `json:"messages"`
}

// AgentGetResponse is the body of a long-poll GET response.
type AgentGetResponse struct {
	Messages []Envelope `json:"messages"`
}

// RegistrationRequest is the body of POST /agent/register/{token}/.
type RegistrationRequest struct {
	FQDN     string `json:"fqdn"`
	Nodename string `json:"nodename"`
	Address  string `json:"address"`
	Version  string `json:"version"`
	CSR      string `json:"csr"`
}

// RegistrationResponse is returned to a successfully registered agent.
type RegistrationResponse struct {
	CommandID   int64  `json:"command_id"`
	HostID      int64  `json:"host_id"`
	Certificate string `json:"certificate"`
}

// ReregistrationRequest is the body of POST /agent/reregister/.
type ReregistrationRequest struct {
	FQDN    string `json:"fqdn"`
	Address string `json:"address"`
}
