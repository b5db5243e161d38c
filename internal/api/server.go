package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"token-aggregator/internal/history"
	"token-aggregator/internal/logging"
	"token-aggregator/internal/market"
	"token-aggregator/internal/query"
)

// Tokens is the aggregator surface the routes depend on.
type Tokens interface {
	Query(ctx context.Context, engine *query.Engine, filter query.Filter) (query.Page, error)
	GetByIdentity(ctx context.Context, id string) (market.AssetRecord, bool, error)
	Search(ctx context.Context, q string) ([]market.AssetRecord, error)
	Invalidate(ctx context.Context, key string)
	InvalidateAll(ctx context.Context)
}

// CacheStatus reports durable cache reachability for /api/health.
type CacheStatus interface {
	IsAvailable() bool
}

// PriceHistory reads archived price updates. Optional.
type PriceHistory interface {
	Recent(ctx context.Context, id string, limit int) ([]history.Point, error)
}

// ClientCounter reports connected realtime clients for /api/health.
type ClientCounter interface {
	Count() int
}

type Server struct {
	Tokens  Tokens
	Engine  *query.Engine
	Cache   CacheStatus
	Clients ClientCounter
	History PriceHistory

	logger  *zap.Logger
	started time.Time
	now     func() time.Time
}

func NewServer(tokens Tokens, engine *query.Engine, cache CacheStatus, clients ClientCounter, logger *zap.Logger) *Server {
	return &Server{
		Tokens:  tokens,
		Engine:  engine,
		Cache:   cache,
		Clients: clients,
		logger:  logging.Component(logger, "api"),
		started: time.Now(),
		now:     time.Now,
	}
}

func (s *Server) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/tokens", s.handleListTokens)
		r.Get("/tokens/{id}", s.handleGetToken)
		r.Get("/tokens/{id}/history", s.handleTokenHistory)
		r.Get("/search", s.handleSearch)
		r.Post("/cache/invalidate", s.handleInvalidate)
		r.Get("/health", s.handleHealth)
	})
}

type envelope struct {
	Success    bool        `json:"success"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
	Message    string      `json:"message,omitempty"`
}

type pagination struct {
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
	Total      int    `json:"total"`
	Limit      int    `json:"limit"`
}

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, apiError{Success: false, Error: message})
}

// decodeJSONBody accepts an empty body as a zero value.
func decodeJSONBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.Tokens.Query(r.Context(), s.Engine, filter)
	if err != nil {
		s.logger.Error("query tokens failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch tokens")
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    page.Items,
		Pagination: &pagination{
			NextCursor: page.NextCursor,
			HasMore:    page.HasMore,
			Total:      page.Total,
			Limit:      page.Limit,
		},
	})
}

func parseFilter(r *http.Request) (query.Filter, error) {
	q := r.URL.Query()
	var (
		filter query.Filter
		err    error
	)

	if filter.TimePeriod, err = query.ParseTimePeriod(q.Get("timePeriod")); err != nil {
		return filter, err
	}
	if filter.SortField, err = query.ParseSortField(q.Get("sortBy")); err != nil {
		return filter, err
	}
	if filter.SortOrder, err = query.ParseSortOrder(q.Get("sortOrder")); err != nil {
		return filter, err
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			return filter, errors.New("limit must be an integer")
		}
	}
	filter.Cursor = strings.TrimSpace(q.Get("cursor"))
	if filter.MinVolume, err = parseOptionalFloat(q.Get("minVolume"), "minVolume"); err != nil {
		return filter, err
	}
	if filter.MinMarketCap, err = parseOptionalFloat(q.Get("minMarketCap"), "minMarketCap"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseOptionalFloat(raw, name string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", name)
	}
	return &v, nil
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "token id is required")
		return
	}

	record, ok, err := s.Tokens.GetByIdentity(r.Context(), id)
	if err != nil {
		s.logger.Error("token lookup failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch token")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "token not found")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: record})
}

func (s *Server) handleTokenHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeError(w, http.StatusNotFound, "price history is not enabled")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	points, err := s.History.Recent(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("history lookup failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch price history")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: points})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}

	records, err := s.Tokens.Search(r.Context(), q)
	if err != nil {
		s.logger.Error("search failed", zap.String("q", q), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to search tokens")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: records})
}

type invalidateRequest struct {
	Key string `json:"key"`
	All bool   `json:"all"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		req.Key = strings.TrimSpace(r.URL.Query().Get("key"))
	}

	if req.All {
		s.Tokens.InvalidateAll(r.Context())
	} else {
		s.Tokens.Invalidate(r.Context(), req.Key)
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "cache invalidated"})
}

type healthResponse struct {
	Success       bool    `json:"success"`
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Cache         struct {
		Redis bool `json:"redis"`
	} `json:"cache"`
	Clients int `json:"ws_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	resp := healthResponse{
		Success:       true,
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		UptimeSeconds: now.Sub(s.started).Seconds(),
	}
	if s.Cache != nil {
		resp.Cache.Redis = s.Cache.IsAvailable()
	}
	if s.Clients != nil {
		resp.Clients = s.Clients.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}
