package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/zhixue/practice/internal/i18n"
	"github.com/zhixue/practice/internal/quota"
)

const adminUser = "admin"

// requireAdmin checks basic auth credentials against the bcrypt hash of the
// configured admin password.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminHash == nil {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(adminUser)) != 1 ||
			bcrypt.CompareHashAndPassword(h.adminHash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeErrorJSON(w, http.StatusUnauthorized, "Unauthorized", appI18n.T(r.Context(), "Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	loc := h.config.Location
	if loc == nil {
		loc = time.Local
	}
	from, to := quota.DayWindow(time.Now(), loc)
	stats, err := h.store.Stats(r.Context(), from, to)
	if err != nil {
		slog.Error("failed to load stats", "error", err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleAdminStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.store.ListStudents(r.Context())
	if err != nil {
		slog.Error("failed to list students", "error", err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, students)
}
