package handlers

import (
	"net/http"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/service"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

func (h *Handler) SetRoutes(r *chi.Mux) {
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// public routes
		r.Get("/health", h.HealthHandler)
		r.Post("/cards/verify", h.Verify)
		r.Post("/cards/unbind-hwid", h.UnbindHWID)

		// admin routes
		r.Group(func(r chi.Router) {
			r.Use(jwtauth.Verifier(h.tokenAuth))
			r.Use(h.requireAdmin)

			r.Get("/cards", h.ListCards)
			r.Post("/cards/batch", h.GenerateBatch)
			r.Post("/cards/check-expired", h.CheckExpired)
			r.Post("/cards/check-hwid", h.CheckHWID)
			r.Get("/cards/export", h.ExportCards)
			r.Get("/admin/events", h.hub.HandleWebSocket)
		})
	})
}

// InitAuth sets up HS256 verification of admin tokens. With debug on, a
// week-long admin token is logged for local testing.
func (h *Handler) InitAuth(secret string, debug bool) *jwtauth.JWTAuth {
	h.tokenAuth = jwtauth.New("HS256", []byte(secret), nil)

	if debug {
		_, tokenString, err := h.tokenAuth.Encode(map[string]interface{}{
			"role": "admin",
			"exp":  time.Now().Add(7 * 24 * time.Hour).Unix(),
		})
		if err != nil {
			log.Errorf("unable to issue debug token: %v", err)
		} else {
			log.Infof("DEBUG: admin JWT for testing: %s", tokenString)
		}
	}
	return h.tokenAuth
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := CheckAdminCapability(r); err != nil {
			h.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CheckAdminCapability allows requests whose verified token carries
// role=admin. It must run after jwtauth.Verifier.
func CheckAdminCapability(r *http.Request) error {
	token, claims, err := jwtauth.FromContext(r.Context())
	if err != nil || token == nil {
		return &service.Error{Kind: kindUnauthorized, Message: "missing or invalid admin token", Err: err}
	}
	if role, _ := claims["role"].(string); role != "admin" {
		return &service.Error{Kind: service.KindPermission, Message: "admin capability required"}
	}
	return nil
}
