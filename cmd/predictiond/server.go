// server.go - HTTP API of the prediction daemon
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"encledger/internal/chain"
	"encledger/internal/fhe"
	"encledger/internal/ledger"
	"encledger/internal/relayer"
)

var (
	errBadRequest  = errors.New("bad request")
	errRateLimited = errors.New("rate limit exceeded")
)

const maxBodyBytes = 1 << 20

type server struct {
	node    *node
	log     *Logger
	metrics *MetricsCollector
	health  *HealthChecker
	limiter *AccountRateLimiter
	dev     bool
}

func newServer(n *node, log *Logger, metrics *MetricsCollector, health *HealthChecker, limiter *AccountRateLimiter, dev bool) *server {
	return &server{node: n, log: log, metrics: metrics, health: health, limiter: limiter, dev: dev}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/predictions", s.handleCreate)
	mux.HandleFunc("POST /v1/predictions/{id}/bets", s.handleBet)
	mux.HandleFunc("GET /v1/predictions", s.handleList)
	mux.HandleFunc("GET /v1/predictions/count", s.handleCount)
	mux.HandleFunc("GET /v1/predictions/{id}", s.handleMetadata)
	mux.HandleFunc("GET /v1/predictions/{id}/totals", s.handleTotals)
	mux.HandleFunc("GET /v1/predictions/{id}/bets/{address}", s.handleUserBet)
	mux.HandleFunc("GET /v1/predictions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/receipts/{hash}", s.handleReceipt)
	mux.HandleFunc("GET /v1/accounts/{address}", s.handleAccount)

	mux.HandleFunc("POST /v1/decrypt/user", s.handleUserDecrypt)
	mux.HandleFunc("POST /v1/decrypt/public", s.handlePublicDecrypt)
	mux.HandleFunc("GET /v1/network", s.handleNetwork)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	if s.dev {
		mux.HandleFunc("POST /v1/dev/fund", s.handleFund)
		mux.HandleFunc("POST /v1/dev/encrypt", s.handleEncrypt)
	}

	return s.withRequestLog(mux)
}

// withRequestLog tags each request with an id and logs its outcome.
func (s *server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.metrics.IncrementCounter(MetricHTTPRequests, map[string]string{"status": strconv.Itoa(rec.status)})
		s.log.Debug("%s %s -> %d in %s (request %s)", r.Method, r.URL.Path, rec.status, time.Since(start), id)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type createRequest struct {
	From    common.Address `json:"from"`
	Name    string         `json:"name"`
	Options []string       `json:"options"`
}

type createResponse struct {
	ID      uint64         `json:"id"`
	Receipt *chain.Receipt `json:"receipt"`
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admit(req.From); err != nil {
		s.writeError(w, err)
		return
	}

	id, rcpt, err := s.node.createPrediction(req.From, req.Name, req.Options)
	s.recordReceipt("create", rcpt)
	if err != nil {
		s.writeCallError(w, rcpt, err)
		return
	}

	var count uint64
	s.node.chain.View(func() error {
		count = s.node.engine.GetPredictionCount()
		return nil
	})
	s.metrics.RecordPrediction(count)
	s.log.Audit("prediction_created", map[string]interface{}{
		"id":      id,
		"creator": req.From.Hex(),
		"name":    req.Name,
		"options": len(req.Options),
		"tx":      rcpt.TxHash.Hex(),
	})
	writeJSON(w, http.StatusCreated, createResponse{ID: id, Receipt: rcpt})
}

type betRequest struct {
	From      common.Address `json:"from"`
	Selection fhe.Handle     `json:"selection"`
	Proof     hexutil.Bytes  `json:"proof"`
	// Stake in wei, decimal or 0x-prefixed.
	Value string `json:"value"`
}

func (s *server) handleBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req betRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	stake, err := parseWei(req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admit(req.From); err != nil {
		s.writeError(w, err)
		return
	}

	rcpt, err := s.node.chain.Transact(req.From, s.node.contract, stake, func(ctx *chain.Context) error {
		return s.node.engine.PlaceEncryptedBet(ctx, id, req.Selection, req.Proof)
	})
	s.recordReceipt("bet", rcpt)
	if err != nil {
		s.writeCallError(w, rcpt, err)
		return
	}

	s.metrics.RecordBet(strconv.FormatUint(id, 10))
	s.log.Audit("bet_placed", map[string]interface{}{
		"id":    id,
		"user":  req.From.Hex(),
		"stake": stake.String(),
		"tx":    rcpt.TxHash.Hex(),
	})
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	var out []ledger.Summary
	s.node.chain.View(func() error {
		out = s.node.engine.ListPredictions()
		return nil
	})
	if out == nil {
		out = []ledger.Summary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	var count uint64
	s.node.chain.View(func() error {
		count = s.node.engine.GetPredictionCount()
		return nil
	})
	writeJSON(w, http.StatusOK, map[string]uint64{"count": count})
}

func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var out ledger.Summary
	err = s.node.chain.View(func() (err error) {
		out, err = s.node.engine.GetPredictionMetadata(id)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleTotals(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var out ledger.Totals
	err = s.node.chain.View(func() (err error) {
		out, err = s.node.engine.GetEncryptedTotals(id)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleUserBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	user, err := pathAddress(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var out ledger.UserBet
	err = s.node.chain.View(func() (err error) {
		out, err = s.node.engine.GetUserBet(id, user)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	logs := s.node.events.ForPrediction(id)
	if logs == nil {
		logs = []chain.Log{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	raw, err := hexutil.Decode(r.PathValue("hash"))
	if err != nil || len(raw) != common.HashLength {
		s.writeError(w, fmt.Errorf("%w: invalid transaction hash", errBadRequest))
		return
	}
	rcpt, err := s.node.chain.Receipt(common.BytesToHash(raw))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (s *server) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := pathAddress(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.handleAccountFor(w, account)
}

type userDecryptRequest struct {
	Request   relayer.UserDecryptRequest `json:"request"`
	Signature hexutil.Bytes              `json:"signature"`
}

func (s *server) handleUserDecrypt(w http.ResponseWriter, r *http.Request) {
	var req userDecryptRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var res *relayer.Result
	err := s.node.chain.View(func() (err error) {
		res, err = s.node.relayer.UserDecrypt(req.Request, req.Signature)
		return err
	})
	s.metrics.RecordDecrypt("user", err == nil)
	if err != nil {
		s.log.Warn("user decryption for %s refused: %v", req.Request.User.Hex(), err)
		s.writeError(w, err)
		return
	}
	s.log.Audit("user_decrypt", map[string]interface{}{
		"request": res.RequestID,
		"user":    req.Request.User.Hex(),
		"handles": len(req.Request.Handles),
	})
	writeJSON(w, http.StatusOK, res)
}

type publicDecryptRequest struct {
	Handles []fhe.Handle `json:"handles"`
}

func (s *server) handlePublicDecrypt(w http.ResponseWriter, r *http.Request) {
	var req publicDecryptRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	var res *relayer.Result
	err := s.node.chain.View(func() (err error) {
		res, err = s.node.relayer.PublicDecrypt(req.Handles)
		return err
	})
	s.metrics.RecordDecrypt("public", err == nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type networkResponse struct {
	ChainID     *hexutil.Big   `json:"chainId"`
	Block       uint64         `json:"block"`
	Contract    common.Address `json:"contract"`
	Coprocessor common.Address `json:"coprocessor"`
	NetworkKey  hexutil.Bytes  `json:"networkKey"`
	Domain      domainResponse `json:"eip712Domain"`
}

type domainResponse struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

func (s *server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	d := s.node.relayer.Domain()
	writeJSON(w, http.StatusOK, networkResponse{
		ChainID:     (*hexutil.Big)(s.node.chain.ChainID()),
		Block:       s.node.chain.BlockNumber(),
		Contract:    s.node.contract,
		Coprocessor: s.node.cop.Address(),
		NetworkKey:  s.node.netKey.PublicBytes(),
		Domain: domainResponse{
			Name:              d.Name,
			Version:           d.Version,
			VerifyingContract: d.VerifyingContract,
		},
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.CheckHealth()
	status := http.StatusOK
	if h.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, CreateHealthResponse(h))
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.node.cop.Stats()
	s.metrics.SetGauge(MetricHandles, float64(st.Handles), nil)
	writeJSON(w, http.StatusOK, s.metrics.GetMetricsSummary())
}

type fundRequest struct {
	Account common.Address `json:"account"`
	Value   string         `json:"value"`
}

func (s *server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseWei(req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.node.chain.Fund(req.Account, amount); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Audit("dev_fund", map[string]interface{}{"account": req.Account.Hex(), "value": amount.String()})
	s.handleAccountFor(w, req.Account)
}

func (s *server) handleAccountFor(w http.ResponseWriter, account common.Address) {
	writeJSON(w, http.StatusOK, map[string]string{
		"address": account.Hex(),
		"balance": s.node.chain.BalanceOf(account).String(),
	})
}

type encryptRequest struct {
	Owner common.Address `json:"owner"`
	Value uint64         `json:"value"`
	Type  string         `json:"type"`
}

type encryptResponse struct {
	Handle fhe.Handle    `json:"handle"`
	Proof  hexutil.Bytes `json:"proof"`
}

// handleEncrypt runs the client side of an encrypted input on the server.
// The server learns the plaintext, so it is only mounted in dev mode.
func (s *server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := parseType(req.Type)
	if err != nil {
		s.writeError(w, err)
		return
	}
	start := time.Now()
	in, err := s.node.encryptInput(req.Value, t, req.Owner)
	if err != nil {
		if errors.Is(err, fhe.ErrValueOutOfRange) {
			err = fmt.Errorf("%w: %v", errBadRequest, err)
		}
		s.writeError(w, err)
		return
	}
	s.metrics.RecordInputEncrypt(time.Since(start))
	writeJSON(w, http.StatusOK, encryptResponse{Handle: in.Handle, Proof: in.Proof})
}

// admit checks the sender and charges its rate limit.
func (s *server) admit(from common.Address) error {
	if from == (common.Address{}) {
		return fmt.Errorf("%w: missing sender", errBadRequest)
	}
	if !s.limiter.Allow(from) {
		s.metrics.IncrementCounter(MetricRateLimited, nil)
		return fmt.Errorf("%w for %s", errRateLimited, from.Hex())
	}
	return nil
}

func (s *server) recordReceipt(method string, rcpt *chain.Receipt) {
	if rcpt != nil {
		s.metrics.RecordReceipt(method, rcpt.GasUsed, rcpt.Status == chain.ReceiptStatusSuccessful)
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.metrics.RecordError("internal")
		s.log.Error("internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeCallError reports a failed call together with its receipt when the
// call was executed.
func (s *server) writeCallError(w http.ResponseWriter, rcpt *chain.Receipt, err error) {
	if rcpt == nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, statusFor(err), map[string]interface{}{"error": err.Error(), "receipt": rcpt})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidPrediction),
		errors.Is(err, fhe.ErrUnknownHandle),
		errors.Is(err, chain.ErrUnknownReceipt):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrBetAlreadyPlaced):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, relayer.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, relayer.ErrExpired),
		errors.Is(err, relayer.ErrNotAllowed),
		errors.Is(err, relayer.ErrNotPublic):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrEmptyName),
		errors.Is(err, ledger.ErrInvalidOptionsCount),
		errors.Is(err, ledger.ErrEmptyOption),
		errors.Is(err, ledger.ErrInvalidBetAmount),
		errors.Is(err, ledger.ErrProofInvalid),
		errors.Is(err, chain.ErrInsufficientFunds),
		errors.Is(err, chain.ErrNegativeValue),
		errors.Is(err, relayer.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid prediction id %q", errBadRequest, r.PathValue("id"))
	}
	return id, nil
}

func pathAddress(r *http.Request) (common.Address, error) {
	raw := r.PathValue("address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(raw), nil
}

func parseWei(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid value %q", errBadRequest, s)
	}
	return v, nil
}

func parseType(s string) (fhe.Type, error) {
	for _, t := range []fhe.Type{fhe.EBool, fhe.EUint8, fhe.EUint64} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown type %q", errBadRequest, s)
}
