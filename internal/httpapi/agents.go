package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/talonhq/talon/internal/agent"
	"github.com/talonhq/talon/internal/browser"
	"github.com/talonhq/talon/internal/faults"
)

// defaultStopGrace bounds an agent stop when the caller names none.
const defaultStopGrace = 5 * time.Second

// AgentHandler exposes the agent fleet: start/stop, status, cookie
// login, quota usage, and the current day plan.
//
// Endpoints:
//
//	POST   /api/agents
//	GET    /api/agents
//	GET    /api/agents/{profile}
//	DELETE /api/agents/{profile}
//	POST   /api/agents/{profile}/login
//	POST   /api/agents/{profile}/logout
//	GET    /api/agents/{profile}/quotas
//	GET    /api/agents/{profile}/plan
type AgentHandler struct {
	sup *agent.Supervisor
	log *zap.Logger
}

// NewAgentHandler constructs a new handler over the supervisor.
func NewAgentHandler(sup *agent.Supervisor, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{sup: sup, log: logger}
}

// RegisterRoutes registers agent endpoints on the given mux.
func (h *AgentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents", h.handleCollection)
	mux.HandleFunc("/api/agents/", h.handleItem)
}

func (h *AgentHandler) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.start(w, r)
	default:
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (h *AgentHandler) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.SplitN(rest, "/", 2)
	profile := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	if profile == "" {
		http.Error(w, `{"error":"profile required"}`, http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			h.status(w, r, profile)
		case http.MethodDelete:
			h.stop(w, r, profile)
		default:
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		}
	case "login":
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.login(w, r, profile)
	case "logout":
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.logout(w, r, profile)
	case "quotas":
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.quotas(w, r, profile)
	case "plan":
		if r.Method != http.MethodGet {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		h.plan(w, r, profile)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

type startAgentRequest struct {
	Profile string `json:"profile"`
}

func (h *AgentHandler) start(w http.ResponseWriter, r *http.Request) {
	var req startAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	ag, err := h.sup.StartAgent(r.Context(), req.Profile)
	if err != nil {
		h.log.Warn("Agent start rejected",
			zap.String("agent_id", req.Profile),
			zap.String("operator", Subject(r.Context())),
			zap.Error(err),
		)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agent": ag.Status()})
}

func (h *AgentHandler) list(w http.ResponseWriter, _ *http.Request) {
	records := h.sup.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": records,
		"count":  len(records),
	})
}

func (h *AgentHandler) status(w http.ResponseWriter, r *http.Request, profile string) {
	rec, err := h.sup.Status(r.Context(), profile)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *AgentHandler) stop(w http.ResponseWriter, r *http.Request, profile string) {
	grace := defaultStopGrace
	if s := r.URL.Query().Get("grace"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			http.Error(w, `{"error":"invalid grace, want a duration like 10s"}`, http.StatusBadRequest)
			return
		}
		grace = d
	}
	if err := h.sup.StopAgent(profile, grace); err != nil {
		writeErr(w, err)
		return
	}
	h.log.Info("Agent stopped via API",
		zap.String("agent_id", profile),
		zap.String("operator", Subject(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "agent_id": profile})
}

type loginRequest struct {
	Cookies []browser.Cookie `json:"cookies"`
}

func (h *AgentHandler) login(w http.ResponseWriter, r *http.Request, profile string) {
	// A cookie set is a few KB; anything near the cap is not a login.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.sup.Login(r.Context(), profile, req.Cookies); err != nil {
		h.log.Warn("Agent login failed", zap.String("agent_id", profile), zap.Error(err))
		writeErr(w, err)
		return
	}
	h.log.Info("Agent session installed",
		zap.String("agent_id", profile),
		zap.Int("cookies", len(req.Cookies)),
		zap.String("operator", Subject(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_in", "agent_id": profile})
}

func (h *AgentHandler) logout(w http.ResponseWriter, r *http.Request, profile string) {
	if err := h.sup.Logout(profile); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out", "agent_id": profile})
}

func (h *AgentHandler) quotas(w http.ResponseWriter, r *http.Request, profile string) {
	ag, ok := h.sup.Agent(profile)
	if !ok {
		writeErr(w, faults.Newf(faults.KindNotFound, "api.quotas", "agent %s not running", profile))
		return
	}
	usage, err := ag.Quotas(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": profile,
		"quotas":   usage,
	})
}

func (h *AgentHandler) plan(w http.ResponseWriter, r *http.Request, profile string) {
	ag, ok := h.sup.Agent(profile)
	if !ok {
		writeErr(w, faults.Newf(faults.KindNotFound, "api.plan", "agent %s not running", profile))
		return
	}
	slots := ag.Plan(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": profile,
		"slots":    slots,
		"count":    len(slots),
	})
}
