package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt string    `json:"expires_at"`
	User      loginUser `json:"user"`
}

type loginUser struct {
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	LastLoginAt *string `json:"last_login_at"`
}

// observe records one API call in the metrics registry. points < 0 means the
// endpoint has no point count.
func (s *Server) observe(endpoint string, start time.Time, status int, points int) {
	label := "ok"
	if status >= 400 {
		label = "error"
	}
	s.metrics.ObserveAPI(endpoint, label, time.Since(start).Seconds(), points)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "username and password required")
		s.observe("login", start, http.StatusBadRequest, -1)
		return
	}

	session, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		wrapper := &responseWrapper{ResponseWriter: w}
		writeServiceError(wrapper, err)
		s.observe("login", start, wrapper.statusCode, -1)
		return
	}

	user := loginUser{UserID: session.User.ID.String(), Username: session.User.Username}
	if session.User.LastLoginAt.Valid {
		s := session.User.LastLoginAt.Time.UTC().Format("2006-01-02T15:04:05Z")
		user.LastLoginAt = &s
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"),
		User:      user,
	})
	s.observe("login", start, http.StatusOK, -1)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing user")
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	status := r.URL.Query().Get("status")

	list, err := s.devices.List(r.Context(), userID, page, pageSize, status)
	if err != nil {
		wrapper := &responseWrapper{ResponseWriter: w}
		writeServiceError(wrapper, err)
		s.observe("device_list", start, wrapper.statusCode, -1)
		return
	}

	writeJSON(w, http.StatusOK, list)
	s.observe("device_list", start, http.StatusOK, len(list.Items))
}

func (s *Server) handleElectricity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID, ok := UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing user")
		return
	}

	deviceID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, codeDeviceNotFound, "device not found")
		s.observe("electricity", start, http.StatusNotFound, -1)
		return
	}

	window := r.URL.Query().Get("window")
	result, err := s.engine.Electricity(r.Context(), deviceID, userID, window)
	if err != nil {
		wrapper := &responseWrapper{ResponseWriter: w}
		writeServiceError(wrapper, err)
		s.observe("electricity", start, wrapper.statusCode, -1)
		return
	}

	writeJSON(w, http.StatusOK, result)
	s.observe("electricity", start, http.StatusOK, len(result.Points))
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	filter := persistence.DeadLetterFilter{
		MAC:    r.URL.Query().Get("mac"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if filter.Limit < 1 || filter.Limit > 200 {
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "limit must be in [1, 200]")
		return
	}
	if raw := r.URL.Query().Get("from_ts"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "from_ts must be RFC 3339")
			return
		}
		filter.FromTS = &from
	}
	if filter.MAC != "" {
		normalized, err := models.NormalizeMAC(filter.MAC)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, codeValidation, "mac must be 12 hex chars")
			return
		}
		filter.MAC = normalized
	}

	letters, err := s.repo.DeadLetters.List(r.Context(), filter)
	if err != nil {
		wrapper := &responseWrapper{ResponseWriter: w}
		writeServiceError(wrapper, err)
		s.observe("dead_letters", start, wrapper.statusCode, -1)
		return
	}

	items := make([]deadLetterItem, 0, len(letters))
	for _, l := range letters {
		items = append(items, newDeadLetterItem(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
	s.observe("dead_letters", start, http.StatusOK, len(items))
}

type deadLetterItem struct {
	ID            int64          `json:"id"`
	MAC           *string        `json:"mac"`
	FailureReason string         `json:"failure_reason"`
	OccurredAt    string         `json:"occurred_at"`
	Retryable     bool           `json:"retryable"`
	RawPayload    models.JSONMap `json:"raw_payload"`
	Meta          models.JSONMap `json:"meta"`
}

func newDeadLetterItem(l models.DeadLetter) deadLetterItem {
	item := deadLetterItem{
		ID:            l.ID,
		FailureReason: l.FailureReason,
		OccurredAt:    l.OccurredAt.UTC().Format("2006-01-02T15:04:05Z"),
		Retryable:     l.Retryable,
		RawPayload:    l.RawPayload,
		Meta:          l.Meta,
	}
	if l.MAC.Valid {
		mac := l.MAC.String
		item.MAC = &mac
	}
	return item
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	dbState := "ok"
	if err := s.pinger.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		dbState = "unreachable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             dbState,
		"active_subscribers": len(s.registry.Snapshot()),
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}
