package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/avvvet/cardkey-services/internal/cardsvc/service"
	"github.com/avvvet/cardkey-services/internal/cardsvc/ws"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// kindUnauthorized is returned when the admin token is missing or invalid.
const kindUnauthorized service.Kind = "unauthorized"

type Handler struct {
	svc       *service.CardService
	hub       *ws.Ws
	tokenAuth *jwtauth.JWTAuth
	port      string
}

func NewHandler(svc *service.CardService, hub *ws.Ws, port string) *Handler {
	return &Handler{svc: svc, hub: hub, port: port}
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	h.respond(w, rsp.Code, rsp)
}

func (h *Handler) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

// respondError writes {success:false, error:<kind>, message, ...context}.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		svcErr = &service.Error{Kind: service.KindStoreFailure, Message: "internal error", Err: err}
	}

	code := statusFor(svcErr.Kind)
	if code >= http.StatusInternalServerError {
		log.WithField("request_id", middleware.GetReqID(r.Context())).
			Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
	}

	body := map[string]any{}
	for k, v := range svcErr.Fields {
		body[k] = v
	}
	body["success"] = false
	body["error"] = svcErr.Kind
	body["message"] = svcErr.Message
	h.respond(w, code, body)
}

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation, service.KindExpired, service.KindNotBound:
		return http.StatusBadRequest
	case kindUnauthorized:
		return http.StatusUnauthorized
	case service.KindPermission:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindDeviceConflict, service.KindAlreadyUsed, service.KindDuplicateKey:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &service.Error{Kind: service.KindValidation, Message: "request body must be valid JSON", Err: err}
	}
	return nil
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "card service is running at port " + h.port,
		Code:    http.StatusOK,
	})
}
