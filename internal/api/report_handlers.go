package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/regintel/blacklist/internal/report"
	"github.com/regintel/blacklist/internal/store"
)

type reportHandlers struct {
	store *store.Store
	csv   *report.CSVGenerator
	pdf   *report.PDFGenerator
}

func newReportHandlers(st *store.Store) *reportHandlers {
	return &reportHandlers{
		store: st,
		csv:   report.NewCSVGenerator(st),
		pdf:   report.NewPDFGenerator(),
	}
}

// HandleCollectionPDF serves GET /api/reports/collection, a snapshot
// report of corpus totals, per-source figures, and recent runs.
func (h *reportHandlers) HandleCollectionPDF(w http.ResponseWriter, r *http.Request) {
	data, err := report.Build(r.Context(), h.store)
	if err != nil {
		writeError(w, r, err)
		return
	}
	payload, err := h.pdf.Generate(data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="blacklist-report-%s.pdf"`, time.Now().Format("20060102")))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// HandleCSVExport serves GET /api/export/csv with the same filters as
// the list endpoint. The export pages through the store internally, so
// no limit applies.
func (h *reportHandlers) HandleCSVExport(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active")
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := store.BlacklistFilter{
		Source:   q.Get("source"),
		Category: q.Get("category"),
		Country:  q.Get("country"),
		Active:   active,
		Query:    q.Get("q"),
	}

	payload, err := h.csv.Generate(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="blacklist-export-%s.csv"`, time.Now().Format("20060102")))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
