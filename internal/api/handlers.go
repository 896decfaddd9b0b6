// Package api implements the daemon's localhost REST surface. Every route
// sits behind BearerAuth; responses are JSON except the CSV export.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/avlott/revtally/internal/enrich"
	"github.com/avlott/revtally/internal/exclude"
	"github.com/avlott/revtally/internal/export"
	"github.com/avlott/revtally/internal/receipt"
	"github.com/avlott/revtally/internal/storage"
	"github.com/avlott/revtally/internal/syncer"
	"github.com/avlott/revtally/internal/tornapi"
	"github.com/avlott/revtally/internal/view"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps carries the daemon components the handlers operate on. Mode,
// SwitchMode, and Reload are closures owned by the server so the handlers
// stay ignorant of how the active mode and the enriched set are maintained.
type Deps struct {
	Store      *storage.Store
	Engine     *view.Engine
	Cursor     *syncer.Cursor
	Exclusions *exclude.Manager

	Mode       func() storage.Mode
	SwitchMode func(storage.Mode) error
	Reload     func() error
}

// NewHandler returns the authenticated REST router.
func NewHandler(token string, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(token))

	r.Get("/health", d.handleHealth)
	r.Get("/records", d.handleRecords)
	r.Get("/records/export", d.handleExport)
	r.Post("/sync/refresh", d.handleSync((*syncer.Cursor).Refresh))
	r.Post("/sync/backfill", d.handleSync((*syncer.Cursor).Backfill))
	r.Get("/payments", d.handlePayments)
	r.Put("/payments/{key}", d.handlePutPayment)
	r.Get("/exclusions", d.handleExclusions)
	r.Post("/exclusions/{kind}", d.handleExclusionChange((*exclude.Manager).Add))
	r.Delete("/exclusions/{kind}", d.handleExclusionChange((*exclude.Manager).Remove))
	r.Get("/receipt", d.handleReceipt)
	r.Post("/mode", d.handleMode)
	r.Delete("/cache", d.handleClearCache)

	return r
}

func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := d.Mode()
	count, err := d.Store.CountRecords(mode)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":  "ok",
		"mode":    mode,
		"records": count,
	})
}

// recordsResponse is the GET /records payload.
type recordsResponse struct {
	Records []enrich.Record `json:"records"`
	Stats   view.Stats      `json:"stats"`
}

func (d Deps) handleRecords(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	d.Engine.SetFilter(f)

	q := r.URL.Query()
	if s := q.Get("sort"); s != "" {
		field, ok := view.ParseSortField(s)
		if !ok {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown sort field %q", s)
			return
		}
		d.Engine.SetSort(view.Sort{Field: field, Descending: q.Get("order") != "asc"})
	}
	if s := q.Get("page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || !d.Engine.SetPageSize(n) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "page_size must be one of %v", view.PageSizes)
			return
		}
	}
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "page must be an integer")
			return
		}
		d.Engine.SetPage(n)
	}

	records, stats := d.Engine.Page()
	writeJSON(w, recordsResponse{Records: records, Stats: stats})
}

func (d Deps) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	d.Engine.SetFilter(f)

	payments, err := d.Store.AllPayments()
	if err != nil {
		storeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="revives.csv"`)
	if err := export.WriteCSV(w, d.Engine.Filtered(), payments); err != nil {
		// Headers are already out, so an error envelope is not an option.
		slog.Error("writing csv export", "error", err)
	}
}

type syncResponse struct {
	Merged  int  `json:"merged"`
	HasMore bool `json:"has_more"`
}

func (d Deps) handleSync(op func(*syncer.Cursor, context.Context, storage.Mode) (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := d.Mode()
		merged, err := op(d.Cursor, r.Context(), mode)
		if err != nil {
			switch {
			case errors.Is(err, tornapi.ErrUnauthorized):
				httpError(w, http.StatusBadGateway, "api_error", "game API rejected the key: %v", err)
			case errors.Is(err, syncer.ErrFetchFailed):
				httpError(w, http.StatusBadGateway, "api_error", "fetch failed: %v", err)
			default:
				storeError(w, err)
			}
			return
		}
		if err := d.Reload(); err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, syncResponse{Merged: merged, HasMore: d.Cursor.HasMore(mode)})
	}
}

func (d Deps) handlePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := d.Store.AllPayments()
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"payments": payments})
}

func (d Deps) handlePutPayment(w http.ResponseWriter, r *http.Request) {
	ts, targetID, err := parsePaymentKey(chi.URLParam(r, "key"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	var body struct {
		Paid bool `json:"paid"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}

	if err := d.Store.PutPayment(ts, targetID, body.Paid); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"key": storage.PaymentKey(ts, targetID), "paid": body.Paid})
}

func (d Deps) handleExclusions(w http.ResponseWriter, r *http.Request) {
	ex, err := d.Exclusions.Get()
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, ex)
}

func (d Deps) handleExclusionChange(op func(*exclude.Manager, exclude.Kind, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := exclude.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if err := op(d.Exclusions, kind, body.Name); err != nil {
			if errors.Is(err, storage.ErrUnavailable) {
				storeError(w, err)
			} else {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			}
			return
		}
		if err := d.Reload(); err != nil {
			storeError(w, err)
			return
		}

		ex, err := d.Exclusions.Get()
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, ex)
	}
}

func (d Deps) handleReceipt(w http.ResponseWriter, r *http.Request) {
	cfg, err := d.Store.GetReceiptConfig()
	if err != nil {
		storeError(w, err)
		return
	}
	payments, err := d.Store.AllPayments()
	if err != nil {
		storeError(w, err)
		return
	}

	text, err := receipt.Render(d.Engine.All(), payments, cfg)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	writeJSON(w, map[string]any{"receipt": text})
}

func (d Deps) handleMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	mode, err := storage.ParseMode(body.Mode)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	if err := d.SwitchMode(mode); err != nil {
		storeError(w, err)
		return
	}
	if err := d.Reload(); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"mode": mode})
}

func (d Deps) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.ClearAll(); err != nil {
		storeError(w, err)
		return
	}
	d.Cursor.Reset(storage.ModeIndividual)
	d.Cursor.Reset(storage.ModeGroup)
	if err := d.Reload(); err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "cleared"})
}

// filterFromQuery builds a view filter from the shared query parameters of
// /records and /records/export. Absent parameters leave predicates inactive.
func filterFromQuery(r *http.Request) (view.Filter, error) {
	q := r.URL.Query()
	var f view.Filter

	if s := q.Get("category"); s != "" {
		c, ok := enrich.ParseCategory(s)
		if !ok {
			return f, fmt.Errorf("unknown category %q", s)
		}
		f.Category = &c
	}
	if s := q.Get("success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("success must be a boolean, got %q", s)
		}
		f.Success = &b
	}
	f.TargetName = q.Get("target")
	f.FactionName = q.Get("faction")

	for _, p := range []struct {
		param string
		dst   **time.Time
	}{{"from", &f.FromDay}, {"to", &f.ToDay}} {
		s := q.Get(p.param)
		if s == "" {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", s, time.Local)
		if err != nil {
			return f, fmt.Errorf("%s must be a YYYY-MM-DD date, got %q", p.param, s)
		}
		*p.dst = &day
	}

	return f, nil
}

func parsePaymentKey(key string) (ts, targetID int64, err error) {
	left, right, ok := strings.Cut(key, "_")
	if !ok {
		return 0, 0, fmt.Errorf("payment key must be {timestamp}_{targetID}, got %q", key)
	}
	if ts, err = strconv.ParseInt(left, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("payment key timestamp %q is not an integer", left)
	}
	if targetID, err = strconv.ParseInt(right, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("payment key target id %q is not an integer", right)
	}
	return ts, targetID, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrUnavailable):
		httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
