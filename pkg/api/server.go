// Package api exposes the order engine over REST and streams journal
// entries over WebSocket. Engine errors pass through to clients with
// their wire identifiers untouched.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/keeperlabs/perpcore/pkg/journal"
	"github.com/keeperlabs/perpcore/pkg/margin"
	"github.com/keeperlabs/perpcore/pkg/market"
	"github.com/keeperlabs/perpcore/pkg/perp"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	engine   *perp.Engine
	ledger   *margin.Ledger
	registry *market.Registry
	journal  *journal.Journal
	book     *perp.OrderBook
	router   *mux.Router
	hub      *Hub
	log      *zap.SugaredLogger
}

// NewServer creates a new API server. The returned server's hub is
// registered as a journal sink by the caller.
func NewServer(engine *perp.Engine, ledger *margin.Ledger, registry *market.Registry, j *journal.Journal, book *perp.OrderBook, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine:   engine,
		ledger:   ledger,
		registry: registry,
		journal:  j,
		book:     book,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		log:      log,
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub, for journal sink registration.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order lifecycle
	api.HandleFunc("/orders/commit", s.handleCommit).Methods("POST")
	api.HandleFunc("/orders/settle", s.handleSettle).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/orders/cancel-stale", s.handleCancelStale).Methods("POST")

	// Digests
	api.HandleFunc("/orders/{account}/{market}", s.handleOrderDigest).Methods("GET")
	api.HandleFunc("/accounts/{account}/{market}", s.handleAccountDigest).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts", s.handleOpenAccount).Methods("POST")
	api.HandleFunc("/accounts/deposit", s.handleDeposit).Methods("POST")

	// Markets
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")

	// Journal replay
	api.HandleFunc("/journal", s.handleJournal).Methods("GET")

	// WebSocket stream of journal entries
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server.
func (s *Server) Start(addr string, allowedOrigins []string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	err := s.engine.Commit(caller, margin.AccountID(req.AccountID), market.ID(req.MarketID),
		req.SizeDelta, req.LimitPrice, req.KeeperFeeBufferUsd)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "committed"})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proof hex")
		return
	}

	if err := s.engine.Settle(caller, margin.AccountID(req.AccountID), market.ID(req.MarketID), proof); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "settled"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid proof hex")
		return
	}

	if err := s.engine.CancelOrder(caller, margin.AccountID(req.AccountID), market.ID(req.MarketID), proof); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "canceled"})
}

func (s *Server) handleCancelStale(w http.ResponseWriter, r *http.Request) {
	var req CancelStaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	if err := s.engine.CancelStaleOrder(caller, margin.AccountID(req.AccountID), market.ID(req.MarketID)); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "canceled"})
}

func (s *Server) handleOrderDigest(w http.ResponseWriter, r *http.Request) {
	accountID, marketID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	digest, err := s.engine.GetOrderDigest(accountID, marketID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, digest)
}

func (s *Server) handleAccountDigest(w http.ResponseWriter, r *http.Request) {
	accountID, marketID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	digest, err := s.engine.GetAccountDigest(accountID, marketID)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, digest)
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	owner, ok := parseAddress(req.Owner)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid owner address")
		return
	}

	id, err := s.ledger.OpenAccount(owner)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, OpenAccountResponse{AccountID: uint64(id)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ledger.Deposit(margin.AccountID(req.AccountID), req.AmountUsd); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, map[string]string{"status": "deposited"})
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.List()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = MarketInfo{
			ID:                  uint64(m.ID),
			Symbol:              m.Symbol,
			SettlementDelaySec:  int64(m.SettlementDelay.Seconds()),
			SettlementWindowSec: int64(m.SettlementWindow.Seconds()),
			PriceTolerance:      m.PriceTolerance,
			MakerFeeBps:         m.MakerFeeBps,
			TakerFeeBps:         m.TakerFeeBps,
			BaseKeeperFeeUsd:    m.BaseKeeperFeeUsd,
			MaxMarketSize:       m.MaxMarketSize,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
		from = parsed
	}

	limit := 100
	entries := make([]journal.Entry, 0, limit)
	err := s.journal.Range(from, 0, func(e journal.Entry) bool {
		entries = append(entries, e)
		return len(entries) < limit
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusResponse{
		Status:        "ok",
		Markets:       s.registry.Count(),
		Accounts:      s.ledger.Count(),
		PendingOrders: s.book.PendingCount(),
		JournalLen:    s.journal.Len(),
	})
}

// ==============================
// Helpers
// ==============================

func pathIDs(w http.ResponseWriter, r *http.Request) (margin.AccountID, market.ID, bool) {
	vars := mux.Vars(r)
	account, err := strconv.ParseUint(vars["account"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id")
		return 0, 0, false
	}
	marketID, err := strconv.ParseUint(vars["market"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid market id")
		return 0, 0, false
	}
	return margin.AccountID(account), market.ID(marketID), true
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// respondEngineError maps engine errors onto HTTP statuses while keeping
// the wire identifier verbatim in the body.
func respondEngineError(w http.ResponseWriter, err error) {
	var (
		marketErr  *perp.MarketNotFoundError
		accountErr *perp.AccountNotFoundError
		tolErr     *perp.PriceToleranceNotExceededError
	)

	status := http.StatusConflict
	switch {
	case errors.As(err, &marketErr), errors.As(err, &accountErr),
		errors.Is(err, perp.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, perp.ErrInvalidPriceProof):
		status = http.StatusBadRequest
	case errors.As(err, &tolErr),
		errors.Is(err, perp.ErrOrderNotReady),
		errors.Is(err, perp.ErrOrderNotStale),
		errors.Is(err, perp.ErrOrderAlreadyPending),
		errors.Is(err, perp.ErrNilOrder),
		errors.Is(err, perp.ErrMaxMarketSizeExceeded):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     err.Error(),
		Retriable: perp.IsRetriable(err),
	})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
