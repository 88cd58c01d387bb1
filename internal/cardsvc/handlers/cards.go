package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
	"github.com/avvvet/cardkey-services/internal/cardsvc/service"
)

type cardSummary struct {
	ID          string        `json:"id"`
	Key         string        `json:"key"`
	Status      models.Status `json:"status"`
	Description string        `json:"description"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func summarize(c *models.Card) cardSummary {
	return cardSummary{ID: c.ID, Key: c.Key, Status: c.Status, Description: c.Description, CreatedAt: c.CreatedAt}
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")

	var req struct {
		Key  string `json:"key"`
		HWID string `json:"hwid"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.svc.Verify(r.Context(), req.Key, req.HWID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	msg := "card verified"
	if res.FirstUse {
		msg = "card activated and bound to this device"
	}
	h.respond(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    msg,
		"card":       res.Card,
		"serverTime": res.ServerTime.UnixMilli(),
	})
}

func (h *Handler) UnbindHWID(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CardID   string `json:"cardId"`
		AdminKey string `json:"adminKey"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	card, err := h.svc.Unbind(r.Context(), req.CardID, req.AdminKey)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "card unbound",
		"card":    summarize(card),
	})
}

func (h *Handler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count       int        `json:"count"`
		Description string     `json:"description"`
		ExpiredAt   *time.Time `json:"expiredAt"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.svc.Generate(r.Context(), service.GenerateRequest{
		Count:       req.Count,
		Description: req.Description,
		ExpiredAt:   req.ExpiredAt,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	cards := make([]cardSummary, 0, len(res.Cards))
	for _, c := range res.Cards {
		cards = append(cards, summarize(c))
	}
	body := map[string]any{
		"success": true,
		"batchId": res.BatchID,
		"cards":   cards,
	}
	if len(res.Failed) > 0 {
		body["failed"] = res.Failed
	}
	h.respond(w, http.StatusCreated, body)
}

func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.svc.List(r.Context(), service.ListRequest{
		Status:  q.Get("status"),
		BatchID: q.Get("batchId"),
		Page:    page,
		Limit:   limit,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, http.StatusOK, map[string]any{
		"success": true,
		"cards":   res.Cards,
		"pagination": map[string]any{
			"page":        res.Page,
			"limit":       res.Limit,
			"totalPages":  res.TotalPages,
			"totalDocs":   res.TotalDocs,
			"hasNextPage": res.HasNextPage,
			"hasPrevPage": res.HasPrevPage,
		},
	})
}

func (h *Handler) CheckExpired(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SweepNow(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	type expiredCard struct {
		ID        string     `json:"id"`
		Key       string     `json:"key"`
		ExpiredAt *time.Time `json:"expiredAt"`
	}
	expired := make([]expiredCard, 0, len(res.Cards))
	for _, c := range res.Cards {
		expired = append(expired, expiredCard{ID: c.ID, Key: c.Key, ExpiredAt: c.ExpiredAt})
	}
	h.respond(w, http.StatusOK, map[string]any{
		"success":      true,
		"updated":      res.Updated,
		"expiredCards": expired,
	})
}

func (h *Handler) CheckHWID(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HWID string `json:"hwid"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	report, err := h.svc.CheckHWID(r.Context(), req.HWID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{
		"success":    true,
		"bound":      report.Bound,
		"totalCards": report.TotalCards,
		"validCards": report.ValidCards,
		"cards":      report.Cards,
	})
}

func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &service.Error{
			Kind:    service.KindValidation,
			Message: name + " must be an integer",
			Fields:  map[string]any{"fields": map[string]any{name: "integer"}},
		}
	}
	return n, nil
}
