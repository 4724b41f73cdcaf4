package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/transaction"
	"github.com/uhyunpark/youstock/pkg/app/exchange"
	"github.com/uhyunpark/youstock/pkg/metrics"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

type Config struct {
	CORSOrigins []string
	AdminToken  string // enables the withdrawal resolution route when set

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry // served on /metrics when set
	Logger   *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	ex       *exchange.Exchange
	verifier *transaction.Verifier
	assets   *asset.Registry
	view     formatter
	router   *mux.Router
	hub      *Hub
	logger   *zap.SugaredLogger
	cfg      Config
}

// NewServer wires the routes. hub must also be part of the exchange's sink
// for clients to receive events.
func NewServer(ex *exchange.Exchange, verifier *transaction.Verifier, assets *asset.Registry, hub *Hub, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		ex:       ex,
		verifier: verifier,
		assets:   assets,
		view:     formatter{assets: assets},
		router:   mux.NewRouter(),
		hub:      hub,
		logger:   cfg.Logger,
		cfg:      cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.cfg.Metrics.Middleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Reference data
	api.HandleFunc("/assets", s.handleGetAssets).Methods("GET")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/solvency", s.handleGetSolvency).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")

	// Order book
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/offers", s.handleGetOffers).Methods("GET")
	api.HandleFunc("/fills", s.handleGetFills).Methods("GET")
	api.HandleFunc("/withdrawals/pending", s.handleGetPendingWithdrawals).Methods("GET")

	// Signed transactions
	api.HandleFunc("/transactions", s.handleSubmitTransaction).Methods("POST")

	if s.cfg.AdminToken != "" {
		admin := api.PathPrefix("/admin").Subrouter()
		admin.Use(s.requireAdmin)
		admin.HandleFunc("/withdrawals/{id:[0-9]+}/resolve", s.handleResolveWithdrawal).Methods("POST")
	}

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
	if s.cfg.Registry != nil {
		s.router.Handle("/metrics", metrics.Handler(s.cfg.Registry)).Methods("GET")
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetAssets(w http.ResponseWriter, r *http.Request) {
	list := s.assets.List()
	response := make([]AssetInfo, len(list))
	for i, info := range list {
		response[i] = AssetInfo{
			Symbol:   info.Symbol,
			Address:  info.Ref.Address().Hex(),
			Decimals: info.Decimals,
			Native:   info.Ref.IsNative(),
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	d := s.verifier.Domain()
	response := StatusInfo{
		Seq:                s.ex.Seq(),
		StateHash:          s.ex.StateHash().Hex(),
		ActiveOrders:       s.ex.ActiveOrders(),
		PendingWithdrawals: len(s.ex.PendingWithdrawals()),
		FeeDivisor:         s.ex.FeeDivisor(),
		Domain: Domain{
			Name:              d.Name,
			Version:           d.Version,
			ChainID:           d.ChainID.String(),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
	}
	if s.hub != nil {
		response.WSClients = s.hub.ClientCount()
	}
	respondJSON(w, response)
}

func (s *Server) handleGetSolvency(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.ex.Solvency(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	response := make([]HoldingInfo, len(holdings))
	for i, h := range holdings {
		response[i] = s.view.holding(h)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}

	records := s.ex.Balances(addr)
	response := AccountInfo{
		Address:  addr.Hex(),
		Balances: make([]BalanceInfo, len(records)),
	}
	for i, rec := range records {
		response.Balances[i] = s.view.balance(rec)
	}
	if last, ok := s.verifier.Nonces().Last(addr); ok {
		response.LastNonce = &last
	}
	respondJSON(w, response)
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	activeOnly := r.URL.Query().Get("active") == "true"

	orders := s.ex.OrdersOf(addr, activeOnly)
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = s.view.order(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", "bad_request", err.Error())
		return
	}
	o, ok := s.ex.Order(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", "order_not_found", "")
		return
	}
	respondJSON(w, s.view.order(o))
}

func (s *Server) handleGetOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	give, err := s.resolveAsset(q.Get("give"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid give asset", "bad_request", err.Error())
		return
	}
	get, err := s.resolveAsset(q.Get("get"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid get asset", "bad_request", err.Error())
		return
	}

	orders := s.ex.BestOffers(give, get, queryLimit(q.Get("limit"), 50))
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = s.view.order(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	fills := s.ex.RecentFills(queryLimit(r.URL.Query().Get("limit"), 100))
	response := make([]FillInfo, len(fills))
	for i, f := range fills {
		response[i] = fillInfo(f)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetPendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	pending := s.ex.PendingWithdrawals()
	response := make([]WithdrawalInfo, len(pending))
	for i, wd := range pending {
		response[i] = withdrawalInfo(wd)
	}
	respondJSON(w, response)
}

// handleSubmitTransaction verifies a signed transaction and runs it
func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "body too large", "body_too_large", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read body", "bad_request", err.Error())
		return
	}

	tx, err := transaction.ParseTransaction(body)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	req, err := s.verifier.Verify(tx)
	if err != nil {
		s.logger.Debugw("tx_rejected", "type", tx.Type, "err", err)
		s.respondErr(w, err)
		return
	}

	response, err := s.execute(r.Context(), req)
	if err != nil {
		if response != nil && response.Withdrawal != nil {
			// the redeem left a withdrawal behind; report it with the error
			status, code := classify(err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(struct {
				ErrorResponse
				Withdrawal *WithdrawalInfo `json:"withdrawal"`
			}{ErrorResponse{Error: http.StatusText(status), Code: code, Message: err.Error()}, response.Withdrawal})
			return
		}
		s.respondErr(w, err)
		return
	}
	respondJSON(w, response)
}

func (s *Server) execute(ctx context.Context, req *transaction.Request) (*TxResponse, error) {
	response := &TxResponse{Status: "ok", Type: string(req.Type)}

	switch req.Type {
	case transaction.TxTypeFund:
		return response, s.ex.Fund(ctx, req.Owner, req.Amount, req.Payment)

	case transaction.TxTypeDeposit:
		credited, err := s.ex.Deposit(ctx, req.Owner, req.Asset)
		if err != nil {
			return nil, err
		}
		response.Credited = credited.Dec()
		return response, nil

	case transaction.TxTypeRedeem:
		wd, err := s.ex.Redeem(ctx, req.Owner, req.Asset, req.Amount)
		if wd.ID != 0 {
			info := withdrawalInfo(wd)
			response.Withdrawal = &info
		}
		return response, err

	case transaction.TxTypeCreateOrder:
		o, err := s.ex.CreateOrder(ctx, req.Owner, req.Give, req.Get, req.Amount, req.PriceNum, req.PriceDen)
		if err != nil {
			return nil, err
		}
		info := s.view.order(o)
		response.Order = &info
		return response, nil

	case transaction.TxTypeCancelOrder:
		o, err := s.ex.CancelOrder(ctx, req.Owner, req.OrderID)
		if err != nil {
			return nil, err
		}
		info := s.view.order(o)
		response.Order = &info
		return response, nil

	case transaction.TxTypeExecuteOrder:
		f, err := s.ex.ExecuteOrder(ctx, req.Owner, req.OrderID, req.Amount)
		if err != nil {
			return nil, err
		}
		info := fillInfo(f)
		response.Fill = &info
		return response, nil
	}
	return nil, transaction.ErrMalformed
}

func (s *Server) handleResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid withdrawal id", "bad_request", err.Error())
		return
	}
	var body struct {
		Sent *bool `json:"sent"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body.Sent == nil {
		respondError(w, http.StatusBadRequest, "body must be {\"sent\": true|false}", "bad_request", "")
		return
	}

	wd, err := s.ex.ResolveWithdrawal(r.Context(), id, *body.Sent)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Infow("withdrawal_resolved_by_operator", "withdrawal_id", id, "sent", *body.Sent, "remote", r.RemoteAddr)
	respondJSON(w, withdrawalInfo(wd))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "admin token required", "unauthorized", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "bad_request", "")
		return common.Address{}, false
	}
	return common.HexToAddress(addressStr), true
}

// resolveAsset accepts a registered symbol or anything asset.Parse does
func (s *Server) resolveAsset(v string) (asset.Ref, error) {
	if info, ok := s.assets.BySymbol(v); ok {
		return info.Ref, nil
	}
	if info, ok := s.assets.BySymbol(strings.ToUpper(v)); ok {
		return info.Ref, nil
	}
	return asset.Parse(v)
}

func queryLimit(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request_failed", "code", code, "err", err)
	}
	respondError(w, status, http.StatusText(status), code, err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Code:    code,
		Message: message,
	})
}
