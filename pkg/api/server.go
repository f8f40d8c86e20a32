// Package api serves read-only HTTP endpoints for inspecting a running
// economy: health, cache states, metrics, balances, leaderboards and
// transaction history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"coinsync/pkg/account"
	"coinsync/pkg/economy"
	"coinsync/pkg/ledger"
	"coinsync/pkg/logging"
	"coinsync/pkg/messages"
	"coinsync/pkg/writer"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Limits for list endpoints.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// WriterStats is implemented by writer.AsyncWriter.
type WriterStats interface {
	Stats() writer.AsyncWriterStats
}

// Snapshotter is implemented by the memory metrics collector.
type Snapshotter interface {
	SnapshotAny() interface{}
}

// Server provides HTTP endpoints for economy inspection and monitoring.
type Server struct {
	economy *economy.Economy
	config  ServerConfig
	catalog *messages.Catalog
	logger  *logging.Logger
	router  *mux.Router
	server  *http.Server
	started time.Time
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Writer reports queue statistics on /status (optional)
	Writer WriterStats

	// Gatherer backs /metrics (optional)
	Gatherer prometheus.Gatherer

	// Snapshots backs /metrics/json (optional)
	Snapshots Snapshotter

	// Catalog renders result messages (default: built-in templates)
	Catalog *messages.Catalog

	Logger *logging.Logger
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// NewServer creates a new API server for eco.
func NewServer(eco *economy.Economy, config ServerConfig) *Server {
	if config.Catalog == nil {
		config.Catalog = messages.NewCatalog()
	}

	s := &Server{
		economy: eco,
		config:  config,
		catalog: config.Catalog,
		logger:  logging.OrGlobal(config.Logger).Named("api"),
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)
	r.HandleFunc("/currencies/{currency}/balances/{identity}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/currencies/{currency}/top", s.handleTop).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{identity}/transactions", s.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/names/{name}", s.handleName).Methods(http.MethodGet)
	s.router = r

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("listening", zap.String("address", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
		"economy":   s.economy.Status(),
	}
	if s.config.Writer != nil {
		response["writer"] = s.config.Writer.Stats()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) metricsHandler() http.Handler {
	if s.config.Gatherer != nil {
		return promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte("# prometheus metrics are not enabled\n"))
	})
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if s.config.Snapshots == nil {
		writeError(w, http.StatusNotImplemented, "metrics collector does not support JSON snapshot")
		return
	}
	writeJSON(w, http.StatusOK, s.config.Snapshots.SnapshotAny())
}

// balanceView is one balance as rendered by the API.
type balanceView struct {
	Currency  string `json:"currency"`
	Identity  string `json:"identity"`
	Balance   string `json:"balance"`
	Formatted string `json:"formatted"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	currency, ok := s.economy.Currency(vars["currency"])
	if !ok {
		s.writeMessage(w, http.StatusNotFound, messages.KeyUnknownCurrency, map[string]string{"currency": vars["currency"]})
		return
	}

	id, err := account.Parse(vars["identity"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, ok := s.economy.Balance(currency.Name, id)
	if !ok {
		s.writeMessage(w, http.StatusNotFound, messages.KeyAccountNotFound, nil)
		return
	}

	formatted := currency.Format(amount)
	writeJSON(w, http.StatusOK, balanceView{
		Currency:  currency.Name,
		Identity:  id.String(),
		Balance:   amount.String(),
		Formatted: formatted,
		Message:   s.catalog.Render(messages.KeyBalance, map[string]string{"amount": formatted}),
	})
}

func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["currency"]
	currency, ok := s.economy.Currency(name)
	if !ok {
		s.writeMessage(w, http.StatusNotFound, messages.KeyUnknownCurrency, map[string]string{"currency": name})
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.economy.Top(r.Context(), currency.Name, limit)
	if err != nil {
		s.logger.Warn("top failed", zap.String("currency", currency.Name), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
		return
	}

	views := make([]balanceView, len(entries))
	for i, e := range entries {
		views[i] = balanceView{
			Currency:  currency.Name,
			Identity:  e.Identity.String(),
			Balance:   e.Balance.String(),
			Formatted: currency.Format(e.Balance),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"currency": currency.Name,
		"limit":    limit,
		"entries":  views,
	})
}

// transactionView adds the counterparty to a ledger transaction.
type transactionView struct {
	ledger.Transaction
	Counterparty string `json:"counterparty"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := account.Parse(mux.Vars(r)["identity"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var filter ledger.Filter
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	if name := q.Get("currency"); name != "" {
		currency, ok := s.economy.Currency(name)
		if !ok {
			s.writeMessage(w, http.StatusNotFound, messages.KeyUnknownCurrency, map[string]string{"currency": name})
			return
		}
		filter.Currency = currency.Name
	}

	txs, err := s.economy.Transactions(r.Context(), id, limit, filter)
	if err != nil {
		s.logger.Warn("transactions failed", zap.String("identity", id.String()), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
		return
	}

	views := make([]transactionView, len(txs))
	for i, tx := range txs {
		views[i] = transactionView{Transaction: tx, Counterparty: tx.Counterparty().String()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity":     id.String(),
		"transactions": views,
	})
}

func (s *Server) handleName(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	id, ok := s.economy.LookupName(name)
	if !ok {
		s.writeMessage(w, http.StatusNotFound, messages.KeyAccountNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":     name,
		"identity": id.String(),
	})
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, k messages.Key, args map[string]string) {
	writeJSON(w, status, map[string]string{
		"error":   k.String(),
		"message": s.catalog.Render(k, args),
	})
}

// parseLimit defaults to DefaultLimit and caps at MaxLimit.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > MaxLimit {
		n = MaxLimit
	}
	return n, nil
}

// parseTime accepts RFC 3339 or unix milliseconds. Empty means unbounded.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
