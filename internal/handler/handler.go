package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhixue/practice/internal/drafter"
	"github.com/zhixue/practice/internal/flow"
	"github.com/zhixue/practice/internal/grading"
	appI18n "github.com/zhixue/practice/internal/i18n"
	"github.com/zhixue/practice/internal/model"
	"github.com/zhixue/practice/internal/reference"
	"github.com/zhixue/practice/internal/store"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	flows     *flow.Registry
	config    model.ExamConfig
	adminHash []byte
}

// New creates a new Handler. An empty adminPassword disables the admin routes.
func New(s *store.Store, flows *flow.Registry, cfg model.ExamConfig, adminPassword string) (*Handler, error) {
	h := &Handler{store: s, flows: flows, config: cfg}
	if adminPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		h.adminHash = hash
	}
	return h, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.csrfMiddleware)

	r.Post("/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Post("/logout", h.handleLogout)
		r.Get("/state", h.handleState)
		r.Post("/session/start", h.handleStart)
		r.Post("/session/answer", h.handleAnswer)
		r.Post("/session/next", h.handleNext)
		r.Post("/session/prev", h.handlePrev)
		r.Post("/session/submit", h.handleSubmit)
		r.Post("/result/close", h.handleCloseResult)
		r.Post("/blocked/dismiss", h.handleDismissBlocked)
		r.Get("/mistakes", h.handleMistakes)
		r.Post("/mistakes/close", h.handleCloseMistakes)
		r.Post("/review", h.handleReview)
		r.Post("/review/close", h.handleCloseReview)
		r.Get("/history", h.handleHistory)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/admin/stats", h.handleAdminStats)
		r.Get("/admin/students", h.handleAdminStudents)
	})
}

// stateResponse is a snapshot plus the localized texts the client shows.
type stateResponse struct {
	flow.Snapshot
	Message      string `json:"message,omitempty"`
	Score        *int   `json:"score,omitempty"`
	Hint         string `json:"hint,omitempty"`
	QuotaText    string `json:"quota_text,omitempty"`
	MistakesText string `json:"mistakes_text,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (h *Handler) controller(r *http.Request) (*flow.Controller, error) {
	return h.flows.Get(r.Context(), model.StudentFromContext(r.Context()))
}

// act runs fn against the caller's controller and replies with the new state.
func (h *Handler) act(w http.ResponseWriter, r *http.Request, fn func(c *flow.Controller) error) {
	c, err := h.controller(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := fn(c); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeState(w, r, c)
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(*flow.Controller) error { return nil })
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region model.Region `json:"region"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Region == "" {
		req.Region = model.RegionGeneral
	}
	h.act(w, r, func(c *flow.Controller) error {
		return c.StartSession(r.Context(), req.Region)
	})
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionID string `json:"question_id"`
		Answer     string `json:"answer"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.act(w, r, func(c *flow.Controller) error {
		return c.Answer(req.QuestionID, req.Answer)
	})
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error { return c.Next() })
}

func (h *Handler) handlePrev(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error { return c.Prev() })
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error { return c.Submit(r.Context()) })
}

func (h *Handler) handleCloseResult(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error { return c.CloseResult(r.Context()) })
}

func (h *Handler) handleDismissBlocked(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error { return c.DismissBlocked() })
}

func (h *Handler) handleMistakes(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error {
		if c.State() == flow.StateMistakes {
			return nil
		}
		return c.OpenMistakes(r.Context())
	})
}

func (h *Handler) handleCloseMistakes(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error { return c.CloseMistakes() })
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.act(w, r, func(c *flow.Controller) error {
		return c.OpenReview(strings.TrimSpace(req.Topic))
	})
}

func (h *Handler) handleCloseReview(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, func(c *flow.Controller) error { return c.CloseReview() })
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	st := model.StudentFromContext(r.Context())
	attempts, err := h.store.ListAttempts(r.Context(), st.ID)
	if err != nil {
		slog.Error("failed to list attempts", "student_id", st.ID, "error", err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) writeState(w http.ResponseWriter, r *http.Request, c *flow.Controller) {
	ctx := r.Context()
	snap := c.Snapshot()
	resp := stateResponse{Snapshot: snap}
	if snap.Reason != "" {
		resp.Message = appI18n.Td(ctx, snap.Reason, snap.ReasonData)
	}
	if snap.Result != nil {
		score := snap.Result.DisplayTotal()
		resp.Score = &score
	}
	if snap.State == flow.StateBlocked {
		resp.Hint = appI18n.T(ctx, "RechargeDesc")
	}
	if snap.Review != nil && snap.Review.Definition == reference.DefaultPoint.Definition {
		resp.Review.Definition = appI18n.T(ctx, "ReviewNotFound")
		resp.Review.SelfTest = appI18n.T(ctx, "ReviewSelfTest")
	}
	if snap.State == flow.StateDashboard {
		if snap.Quota.Limit > 0 {
			resp.QuotaText = appI18n.Tp(ctx, "QuotaRemaining", snap.Quota.Remaining)
		}
		resp.MistakesText = appI18n.Tp(ctx, "MistakeCount", snap.MistakeCount)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps domain errors to status codes with a localized message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var cfgErr *drafter.ConfigurationError

	switch {
	case errors.Is(err, flow.ErrInvalidTransition):
		writeErrorJSON(w, http.StatusConflict, "InvalidTransition", appI18n.T(ctx, "InvalidTransition"))
	case errors.Is(err, flow.ErrOpenAnswerRequired):
		writeErrorJSON(w, http.StatusUnprocessableEntity, "OpenAnswerRequired", appI18n.T(ctx, "OpenAnswerRequired"))
	case errors.Is(err, grading.ErrGraderBusy):
		writeErrorJSON(w, http.StatusServiceUnavailable, "GraderBusy", appI18n.T(ctx, "GraderBusy"))
	case errors.Is(err, grading.ErrGradingInFlight):
		writeErrorJSON(w, http.StatusConflict, "GradingInProgress", appI18n.T(ctx, "GradingInProgress"))
	case errors.Is(err, flow.ErrNoActiveSession):
		writeErrorJSON(w, http.StatusConflict, "NoActiveSession", appI18n.T(ctx, "NoActiveSession"))
	case errors.Is(err, flow.ErrUnknownQuestion):
		writeErrorJSON(w, http.StatusBadRequest, "BadRequest", appI18n.T(ctx, "BadRequest"))
	case errors.As(err, &cfgErr):
		code := flow.ReasonRegionUnavailable
		if errors.Is(err, drafter.ErrInsufficientPool) {
			code = flow.ReasonInsufficientPool
		}
		writeErrorJSON(w, http.StatusUnprocessableEntity, code,
			appI18n.Td(ctx, code, map[string]any{"Region": cfgErr.Region}))
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "InternalError", appI18n.T(ctx, "InternalError"))
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "BadRequest", appI18n.T(r.Context(), "BadRequest"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeErrorJSON(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
