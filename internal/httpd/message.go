package httpd

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/whamcloud/integrated-manager-for-lustre-sub002/internal/model"
)

// PostMessage accepts a batch of envelopes from an authenticated agent.
// SESSION_CREATE_REQUESTs drive the session transition; DATA is forwarded
// or answered with a terminate when its session is stale.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	fqdn, _, ok := h.authorize(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	if reason := validatePost(body); reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	var post model.AgentPost
	if err := json.Unmarshal(body, &post); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	// An agent may only speak for the fqdn its certificate names.
	for i := range post.Messages {
		if post.Messages[i].FQDN != fqdn {
			h.logger.Warn("rejecting message for foreign fqdn",
				"cert_fqdn", fqdn, "message_fqdn", post.Messages[i].FQDN)
			writeError(w, http.StatusBadRequest, "fqdn mismatch")
			return
		}
	}

	for i := range post.Messages {
		env := post.Messages[i]
		if err := env.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		switch env.Type {
		case model.TypeSessionCreateRequest:
			s := h.sessions.Create(fqdn, env.PluginName())
			// The barrier rides the TX queue ahead of the response so
			// a long-poll from the agent's previous life returns empty
			// instead of stealing the new session's first messages.
			h.fab.Send(model.Envelope{
				FQDN:            fqdn,
				Type:            model.TypeTxBarrier,
				ClientStartTime: post.ClientStartTime,
			})
			h.fab.Send(model.Envelope{
				FQDN:      fqdn,
				Type:      model.TypeSessionCreateResponse,
				Plugin:    env.Plugin,
				SessionID: model.Str(s.ID),
			})
		case model.TypeData:
			h.sessions.HandleData(env)
		default:
			h.logger.Warn("ignoring unexpected message type from agent",
				"fqdn", fqdn, "type", env.Type)
		}
	}

	h.m.PostsTotal.Inc()
	w.WriteHeader(http.StatusOK)
}

// GetMessage is the agent's long-poll. It doubles as the liveness
// heartbeat and applies the barrier discipline before delivering.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	fqdn, _, ok := h.authorize(w, r)
	if !ok {
		return
	}

	// A literal '+' in an unescaped zone offset decodes as a space;
	// restore it so the raw value still matches barrier comparisons.
	bootTimeRaw := strings.ReplaceAll(r.URL.Query().Get("server_boot_time"), " ", "+")
	clientStart := strings.ReplaceAll(r.URL.Query().Get("client_start_time"), " ", "+")
	if bootTimeRaw == "" || clientStart == "" {
		writeError(w, http.StatusBadRequest, "server_boot_time and client_start_time are required")
		return
	}
	bootTime, err := parseTimestamp(bootTimeRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed server_boot_time")
		return
	}

	host, err := h.hosts.GetByFQDN(r.Context(), fqdn)
	if err != nil {
		h.logger.Error("host lookup failed", "fqdn", fqdn, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if host == nil {
		writeError(w, http.StatusBadRequest, "unknown server")
		return
	}

	started := time.Now()
	defer func() {
		h.m.GetsTotal.Inc()
		h.m.LongPollDuration.Observe(time.Since(started).Seconds())
	}()

	var out []model.Envelope
	if h.live.Update(fqdn, bootTime, clientStart) {
		// The agent process has changed since we last saw this host;
		// make it drop any sessions from its previous life.
		out = append(out, model.Envelope{
			FQDN: fqdn,
			Type: model.TypeSessionTerminateAll,
		})
	}

	queues := h.fab.Host(fqdn)
	queues.LockDrain()
	defer queues.UnlockDrain()

	// Each envelope is checked as it comes off the queue: a barrier from
	// a different agent process abandons the response on the spot,
	// leaving everything behind it queued for the successor's GET.
	if env, ok := queues.Recv(h.longPoll); ok {
		for drained := 1; ; drained++ {
			if env.Type == model.TypeTxBarrier {
				if env.ClientStartTime != clientStart {
					h.logger.Info("barrier cut long-poll loose",
						"fqdn", fqdn, "client_start_time", clientStart)
					writeJSON(w, http.StatusOK, model.AgentGetResponse{Messages: []model.Envelope{}})
					return
				}
			} else {
				out = append(out, env)
			}
			if drained >= h.drainCap {
				break
			}
			next, more := queues.TryRecv()
			if !more {
				break
			}
			env = next
		}
	}

	out = h.sessions.FilterOutgoing(fqdn, out)
	if out == nil {
		out = []model.Envelope{}
	}
	h.m.MessagesTxTotal.Add(float64(len(out)))
	writeJSON(w, http.StatusOK, model.AgentGetResponse{Messages: out})
}
