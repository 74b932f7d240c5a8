// Package api exposes the firewall node over HTTP.
//
// Routes:
//
//	GET  /health
//	POST /v1/transactions                         (bearer token; subject is the origin)
//	POST /v1/callhash
//	GET  /v1/policies/{policy}/nonces/{signer}
//	GET  /v1/receipts?after=N&limit=M
//	GET  /v1/receipts/{id}
//
// Errors are RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
	defaultPage     = 100
	maxPage         = 1000
)

// NonceSource is implemented by policies that track signer nonces.
type NonceSource interface {
	Nonce(signer common.Address) uint64
}

// Server serves the HTTP API.
type Server struct {
	chain     *chain.Chain
	receipts  store.ReceiptStore
	limiter   Limiter
	jwtSecret []byte
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Server)

// WithLimiter rate limits every request by client IP.
func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithJWTSecret enables bearer authentication for transaction submission.
func WithJWTSecret(secret []byte) Option { return func(s *Server) { s.jwtSecret = secret } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func NewServer(c *chain.Chain, receipts store.ReceiptStore, opts ...Option) *Server {
	s := &Server{
		chain:    c,
		receipts: receipts,
		logger:   slog.Default().With("component", "api"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/transactions", s.requireOrigin(s.handleTransaction))
	mux.HandleFunc("POST /v1/callhash", s.handleCallHash)
	mux.HandleFunc("GET /v1/policies/{policy}/nonces/{signer}", s.handleNonce)
	mux.HandleFunc("GET /v1/receipts", s.handleListReceipts)
	mux.HandleFunc("GET /v1/receipts/{id}", s.handleGetReceipt)
	return s.withRequestID(s.withRateLimit(mux))
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := s.limiter.Allow(r.Context(), clientIP(r))
		if err != nil {
			// Fail open on limiter outages; the chain itself is unaffected.
			s.logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
		} else if !ok {
			writeTooManyRequests(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"chain_id": s.chain.ChainID(),
		"block":    s.chain.BlockNumber(),
		"head":     s.chain.Head(),
	})
}

// MessageRequest is one call of a submitted transaction. Value is a decimal
// or 0x-prefixed hex amount.
type MessageRequest struct {
	To    common.Address `json:"to"`
	Value string         `json:"value,omitempty"`
	Data  hexutil.Bytes  `json:"data,omitempty"`
}

type TransactionRequest struct {
	Messages []MessageRequest `json:"messages"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	origin, _ := OriginFrom(r.Context())
	var req TransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, http.StatusBadRequest, "at least one message is required")
		return
	}
	msgs := make([]chain.Message, len(req.Messages))
	for i, m := range req.Messages {
		value, err := chain.ParseAmount(m.Value)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "messages["+strconv.Itoa(i)+"].value: "+err.Error())
			return
		}
		msgs[i] = chain.Message{To: m.To, Value: value, Data: m.Data}
	}

	receipt, err := s.chain.TransactBatch(r.Context(), origin, msgs)
	if receipt == nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	if err != nil {
		status, title := revertStatus(err)
		writeProblem(w, r, &ProblemDetail{Status: status, Title: title, Detail: err.Error(), ReceiptID: receipt.ID})
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type callHashRequest struct {
	Consumer common.Address `json:"consumer"`
	Sender   common.Address `json:"sender"`
	Origin   common.Address `json:"origin"`
	Data     hexutil.Bytes  `json:"data"`
	Value    string         `json:"value"`
}

func (s *Server) handleCallHash(w http.ResponseWriter, r *http.Request) {
	var req callHashRequest
	if !decodeBody(w, r, &req) {
		return
	}
	value, err := chain.ParseAmount(req.Value)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "value: "+err.Error())
		return
	}
	h := callhash.Hash(callhash.Call{Consumer: req.Consumer, Sender: req.Sender, Origin: req.Origin, Data: req.Data, Value: value})
	writeJSON(w, http.StatusOK, map[string]string{
		"hash":     h.Hex(),
		"selector": callhash.SelectorOf(req.Data).Hex(),
	})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	policyAddr, signer := r.PathValue("policy"), r.PathValue("signer")
	if !common.IsHexAddress(policyAddr) || !common.IsHexAddress(signer) {
		writeError(w, r, http.StatusBadRequest, "policy and signer must be addresses")
		return
	}
	ct, _ := s.chain.Contract(common.HexToAddress(policyAddr))
	src, ok := ct.(NonceSource)
	if !ok {
		writeError(w, r, http.StatusNotFound, "no approval policy at "+policyAddr)
		return
	}
	var nonce uint64
	s.chain.View(func() { nonce = src.Nonce(common.HexToAddress(signer)) })
	writeJSON(w, http.StatusOK, map[string]any{"policy": policyAddr, "signer": signer, "nonce": nonce})
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, limit := uint64(0), defaultPage
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a block number")
			return
		}
		after = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPage {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxPage))
			return
		}
		limit = n
	}
	receipts, err := s.receipts.List(r.Context(), after, limit)
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	if receipts == nil {
		receipts = []*chain.Receipt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.receipts.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "receipt "+r.PathValue("id")+" not found")
		return
	}
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
