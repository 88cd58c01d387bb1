package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
	"github.com/avvvet/cardkey-services/internal/cardsvc/service"
	log "github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const utf8BOM = "\xEF\xBB\xBF"

var exportHeader = []string{"key", "status", "description", "hwid", "createdAt", "usedAt", "bindAt", "expiredAt", "batchId"}

func exportRow(c *models.Card) []string {
	return []string{
		c.Key,
		string(c.Status),
		c.Description,
		c.HWID,
		c.CreatedAt.UTC().Format(time.RFC3339),
		formatTime(c.UsedAt),
		formatTime(c.BindAt),
		formatTime(c.ExpiredAt),
		c.BatchID,
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// ExportCards streams matching cards as csv (default), json or xlsx.
func (h *Handler) ExportCards(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" && format != "xlsx" {
		h.respondError(w, r, &service.Error{Kind: service.KindValidation, Message: "format must be one of csv, json, xlsx"})
		return
	}

	cards, total, err := h.svc.Export(r.Context(), service.ListRequest{Status: q.Get("status"), BatchID: q.Get("batchId")})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	filename := fmt.Sprintf("cards-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	switch format {
	case "json":
		h.respond(w, http.StatusOK, map[string]any{"data": cards, "total": total})
	case "xlsx":
		writeXLSX(w, filename, cards)
	default:
		writeCSV(w, filename, cards)
	}
}

func writeCSV(w http.ResponseWriter, filename string, cards []*models.Card) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte(utf8BOM)); err != nil {
		log.Errorf("export: write csv: %v", err)
		return
	}
	cw := csv.NewWriter(w)
	_ = cw.Write(exportHeader)
	for _, c := range cards {
		_ = cw.Write(exportRow(c))
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		log.Errorf("export: write csv: %v", err)
	}
}

func writeXLSX(w http.ResponseWriter, filename string, cards []*models.Card) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Cards"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		log.Errorf("export: xlsx sheet: %v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		log.Errorf("export: xlsx stream: %v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	if err := sw.SetRow("A1", toCells(exportHeader)); err != nil {
		log.Errorf("export: xlsx header: %v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	for i, c := range cards {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, toCells(exportRow(c))); err != nil {
			log.Errorf("export: xlsx row %d: %v", i, err)
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
	}
	if err := sw.Flush(); err != nil {
		log.Errorf("export: xlsx flush: %v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if err := f.Write(w); err != nil {
		log.Errorf("export: write xlsx: %v", err)
	}
}

func toCells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
