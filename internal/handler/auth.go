package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	appI18n "github.com/zhixue/practice/internal/i18n"
	"github.com/zhixue/practice/internal/model"
	"github.com/zhixue/practice/internal/store"
)

const (
	sessionCookieName = "session"
	csrfCookieName    = "csrf_token"
	csrfHeaderName    = "X-CSRF-Token"
)

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// csrfMiddleware issues a token cookie on safe requests and requires the
// same token in the X-CSRF-Token header on everything else.
func (h *Handler) csrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if c, err := r.Cookie(csrfCookieName); err != nil || c.Value == "" {
				if !h.setCSRFCookie(w) {
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			slog.Warn("CSRF cookie missing")
			writeErrorJSON(w, http.StatusForbidden, "Unauthorized", appI18n.T(r.Context(), "Unauthorized"))
			return
		}
		token := r.Header.Get(csrfHeaderName)
		if len(token) != len(cookie.Value) || subtle.ConstantTimeCompare([]byte(token), []byte(cookie.Value)) != 1 {
			slog.Warn("CSRF token mismatch")
			writeErrorJSON(w, http.StatusForbidden, "Unauthorized", appI18n.T(r.Context(), "Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) setCSRFCookie(w http.ResponseWriter) bool {
	token, err := generateCSRFToken()
	if err != nil {
		slog.Error("failed to generate CSRF token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   h.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

// requireAuth resolves the session cookie to a student.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			h.notLoggedIn(w, r)
			return
		}

		authSess, err := h.store.GetAuthSession(r.Context(), cookie.Value)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			h.notLoggedIn(w, r)
			return
		}
		if authSess == nil {
			h.notLoggedIn(w, r)
			return
		}

		st, err := h.store.GetStudent(r.Context(), authSess.StudentID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("failed to get student", "student_id", authSess.StudentID, "error", err)
			}
			h.notLoggedIn(w, r)
			return
		}

		ctx := model.ContextWithStudent(r.Context(), st)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) notLoggedIn(w http.ResponseWriter, r *http.Request) {
	writeErrorJSON(w, http.StatusUnauthorized, "NotLoggedIn", appI18n.T(r.Context(), "NotLoggedIn"))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		ClassName string `json:"class_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	name, className := strings.TrimSpace(req.Name), strings.TrimSpace(req.ClassName)
	if name == "" || className == "" {
		writeErrorJSON(w, http.StatusBadRequest, "LoginFieldsRequired", appI18n.T(r.Context(), "LoginFieldsRequired"))
		return
	}

	st, err := h.store.SaveStudent(r.Context(), name, className)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	token, err := h.store.CreateAuthSession(r.Context(), st.ID)
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		h.writeError(w, r, err)
		return
	}

	c, err := h.flows.Get(r.Context(), st)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})
	slog.Info("student logged in", "student_id", st.ID, "class", st.ClassName)
	h.writeState(w, r, c)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	st := model.StudentFromContext(r.Context())
	if err := h.flows.Remove(st.ID); err != nil {
		h.writeError(w, r, err)
		return
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := h.store.DeleteAuthSession(r.Context(), cookie.Value); err != nil {
			slog.Warn("delete auth session failed", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	w.WriteHeader(http.StatusNoContent)
}
