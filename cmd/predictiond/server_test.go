package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"encledger/internal/chain"
	"encledger/internal/fhe"
	"encledger/internal/inputs"
	"encledger/internal/ledger"
	"encledger/internal/relayer"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000c0de1")

// stubInputs accepts inputs it issued, for their owner, with proof "valid".
type stubInputs struct {
	issued map[fhe.Handle]stubInput
}

type stubInput struct {
	value uint64
	owner common.Address
}

func (s *stubInputs) issue(value uint64, owner common.Address) (fhe.Handle, []byte) {
	h := fhe.BuildHandle(ethcrypto.Keccak256([]byte("stub"), big.NewInt(int64(len(s.issued))).Bytes()), fhe.EUint8)
	s.issued[h] = stubInput{value: value, owner: owner}
	return h, []byte("valid")
}

func (s *stubInputs) Open(input fhe.Handle, proof []byte, user, contract common.Address, t fhe.Type) (uint64, error) {
	in, ok := s.issued[input]
	if !ok || in.owner != user || string(proof) != "valid" {
		return 0, errors.New("stub: rejected")
	}
	return in.value, nil
}

func newTestNode(t *testing.T, key *fhe.NetworkKey, verifier fhe.InputVerifier) *node {
	t.Helper()
	chainID := big.NewInt(31337)
	copAddr := common.HexToAddress("0xfe")
	cop, err := fhe.NewCoprocessor(fhe.Config{ChainID: chainID, Address: copAddr}, key, verifier)
	require.NoError(t, err)
	events := ledger.NewEventLog(testContract)
	return &node{
		contract:  testContract,
		netKey:    key,
		inputKeys: &inputs.Keys{},
		cop:       cop,
		chain:     chain.New(chainID, cop, chain.WithSink(events)),
		engine:    ledger.NewEngine(testContract, cop),
		events:    events,
		relayer: relayer.New(relayer.Domain{
			Name:              "Decryption",
			Version:           "1",
			ChainID:           chainID,
			VerifyingContract: copAddr,
		}, cop),
	}
}

// Logs carry interface-typed events, so responses are decoded into views.
type receiptView struct {
	TxHash  common.Hash `json:"txHash"`
	Status  uint64      `json:"status"`
	GasUsed uint64      `json:"gasUsed"`
	Logs    []struct {
		Name string `json:"event"`
	} `json:"logs"`
}

type createdView struct {
	ID      uint64      `json:"id"`
	Receipt receiptView `json:"receipt"`
}

type apiHarness struct {
	t      *testing.T
	node   *node
	inputs *stubInputs
	srv    *httptest.Server
}

func newAPIHarness(t *testing.T, limiter *AccountRateLimiter) *apiHarness {
	t.Helper()
	key, err := fhe.GenerateNetworkKey()
	require.NoError(t, err)
	stub := &stubInputs{issued: make(map[fhe.Handle]stubInput)}
	n := newTestNode(t, key, stub)
	if limiter == nil {
		limiter = NewAccountRateLimiter(100, 100, time.Second)
	}
	health := NewHealthChecker("test")
	registerHealth(health, n, nil)
	api := newServer(n, NopLogger(), NewMetricsCollector(), health, limiter, true)
	srv := httptest.NewServer(api.routes())
	t.Cleanup(srv.Close)
	return &apiHarness{t: t, node: n, inputs: stub, srv: srv}
}

func (h *apiHarness) do(method, path string, body interface{}, out interface{}) int {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *apiHarness) fund(account common.Address) {
	h.t.Helper()
	code := h.do("POST", "/v1/dev/fund", map[string]string{"account": account.Hex(), "value": "10000000000000000000"}, nil)
	require.Equal(h.t, http.StatusOK, code)
}

func (h *apiHarness) bet(from common.Address, id string, selection uint64, value string) int {
	h.t.Helper()
	sel, proof := h.inputs.issue(selection, from)
	return h.do("POST", "/v1/predictions/"+id+"/bets", map[string]interface{}{
		"from":      from,
		"selection": sel,
		"proof":     hexutil.Bytes(proof),
		"value":     value,
	}, nil)
}

func TestServerWeather(t *testing.T) {
	h := newAPIHarness(t, nil)
	alice, err := relayer.GenerateSigner()
	require.NoError(t, err)
	bob, err := relayer.GenerateSigner()
	require.NoError(t, err)
	carol := common.HexToAddress("0xca401")
	h.fund(alice.Address())
	h.fund(bob.Address())

	var created createdView
	code := h.do("POST", "/v1/predictions", createRequest{From: alice.Address(), Name: "Weather", Options: []string{"Sunny", "Rainy"}}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, uint64(1), created.ID)
	require.Equal(t, chain.ReceiptStatusSuccessful, created.Receipt.Status)
	require.NotZero(t, created.Receipt.GasUsed)
	require.Equal(t, "PredictionCreated", created.Receipt.Logs[0].Name)

	require.Equal(t, http.StatusOK, h.bet(alice.Address(), "1", 1, "500000000000000000"))
	require.Equal(t, http.StatusOK, h.bet(bob.Address(), "1", 0, "0x429d069189e0000")) // 0.3 ether
	require.Equal(t, http.StatusConflict, h.bet(alice.Address(), "1", 0, "1"))

	var count map[string]uint64
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/predictions/count", nil, &count))
	require.Equal(t, uint64(1), count["count"])

	var meta ledger.Summary
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/predictions/1", nil, &meta))
	require.Equal(t, "Weather", meta.Name)
	require.Equal(t, alice.Address(), meta.Creator)

	var totals ledger.Totals
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/predictions/1/totals", nil, &totals))
	require.Len(t, totals.Options, 2)

	var public relayer.Result
	code = h.do("POST", "/v1/decrypt/public", publicDecryptRequest{Handles: append(totals.Options, totals.Pool)}, &public)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, uint64(300_000_000_000_000_000), public.Values[0].Value)
	require.Equal(t, uint64(500_000_000_000_000_000), public.Values[1].Value)
	require.Equal(t, uint64(800_000_000_000_000_000), public.Values[2].Value)

	var ub ledger.UserBet
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/predictions/1/bets/"+alice.Address().Hex(), nil, &ub))
	require.True(t, ub.Exists)

	var empty ledger.UserBet
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/predictions/1/bets/"+carol.Hex(), nil, &empty))
	require.False(t, empty.Exists)

	var priv map[string]string
	code = h.do("POST", "/v1/decrypt/public", publicDecryptRequest{Handles: []fhe.Handle{ub.Selection}}, &priv)
	require.Equal(t, http.StatusForbidden, code)

	req := relayer.UserDecryptRequest{
		User:           alice.Address(),
		Contract:       testContract,
		Handles:        []fhe.Handle{ub.Amount, ub.Selection},
		StartTimestamp: time.Now().Add(-time.Minute).Unix(),
		DurationDays:   1,
	}
	sig, err := alice.SignUserDecrypt(h.node.relayer.Domain(), req)
	require.NoError(t, err)
	var own relayer.Result
	code = h.do("POST", "/v1/decrypt/user", userDecryptRequest{Request: req, Signature: sig}, &own)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, uint64(500_000_000_000_000_000), own.Values[0].Value)
	require.Equal(t, uint64(1), own.Values[1].Value)

	bobSig, err := bob.SignUserDecrypt(h.node.relayer.Domain(), req)
	require.NoError(t, err)
	code = h.do("POST", "/v1/decrypt/user", userDecryptRequest{Request: req, Signature: bobSig}, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	var events []map[string]interface{}
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/predictions/1/events", nil, &events))
	require.Len(t, events, 3)
	require.Equal(t, "PredictionCreated", events[0]["event"])
	require.Equal(t, "BetPlaced", events[2]["event"])
}

func TestServerErrors(t *testing.T) {
	h := newAPIHarness(t, nil)
	alice := common.HexToAddress("0xa11c")
	h.fund(alice)

	var failed map[string]interface{}
	code := h.do("POST", "/v1/predictions", createRequest{From: alice, Name: "", Options: []string{"A", "B"}}, &failed)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, failed, "receipt", "executed calls report their receipt")

	code = h.do("POST", "/v1/predictions", createRequest{From: alice, Name: "X", Options: []string{"A"}}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code = h.do("POST", "/v1/predictions", createRequest{Name: "X", Options: []string{"A", "B"}}, nil)
	require.Equal(t, http.StatusBadRequest, code, "missing sender")

	require.Equal(t, http.StatusNotFound, h.do("GET", "/v1/predictions/7", nil, nil))
	require.Equal(t, http.StatusNotFound, h.do("GET", "/v1/predictions/7/totals", nil, nil))
	require.Equal(t, http.StatusBadRequest, h.do("GET", "/v1/predictions/abc", nil, nil))
	require.Equal(t, http.StatusBadRequest, h.do("GET", "/v1/predictions/1/bets/nope", nil, nil))
	require.Equal(t, http.StatusNotFound, h.bet(alice, "7", 0, "1"))

	code = h.do("POST", "/v1/predictions", createRequest{From: alice, Name: "Coin", Options: []string{"H", "T"}}, nil)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, http.StatusBadRequest, h.bet(alice, "1", 0, "0"), "zero stake")
	require.Equal(t, http.StatusBadRequest, h.bet(alice, "1", 0, "-5"))
	require.Equal(t, http.StatusBadRequest, h.bet(common.HexToAddress("0xb0b"), "1", 0, "1"), "unfunded sender")

	code = h.do("POST", "/v1/predictions/1/bets", map[string]interface{}{
		"from":      alice,
		"selection": fhe.Handle{},
		"proof":     "0x00",
		"value":     "1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code, "unknown input is a proof failure")

	var rcpt receiptView
	var created createdView
	code = h.do("POST", "/v1/predictions", createRequest{From: alice, Name: "Dice", Options: []string{"1", "2", "3"}}, &created)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/receipts/"+created.Receipt.TxHash.Hex(), nil, &rcpt))
	require.Equal(t, created.Receipt.TxHash, rcpt.TxHash)
	require.Equal(t, http.StatusNotFound, h.do("GET", "/v1/receipts/"+common.Hash{1}.Hex(), nil, nil))
}

func TestServerRateLimit(t *testing.T) {
	h := newAPIHarness(t, NewAccountRateLimiter(1, 1, time.Hour))
	alice := common.HexToAddress("0xa11c")
	bob := common.HexToAddress("0xb0b")
	h.fund(alice)
	h.fund(bob)

	req := func(from common.Address) int {
		return h.do("POST", "/v1/predictions", createRequest{From: from, Name: "Weather", Options: []string{"Sunny", "Rainy"}}, nil)
	}
	require.Equal(t, http.StatusCreated, req(alice))
	require.Equal(t, http.StatusTooManyRequests, req(alice))
	require.Equal(t, http.StatusCreated, req(bob), "buckets are per account")
}

func TestServerNetworkAndHealth(t *testing.T) {
	h := newAPIHarness(t, nil)

	var net networkResponse
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/network", nil, &net))
	require.Equal(t, int64(31337), net.ChainID.ToInt().Int64())
	require.Equal(t, testContract, net.Contract)
	require.Equal(t, h.node.netKey.PublicBytes(), []byte(net.NetworkKey))

	var health HealthCheckResponse
	require.Equal(t, http.StatusOK, h.do("GET", "/healthz", nil, &health))
	require.Equal(t, "warning", health.Status, "test node runs without a proving key")

	var metrics map[string]interface{}
	require.Equal(t, http.StatusOK, h.do("GET", "/metrics", nil, &metrics))
	require.Contains(t, metrics, "counters")
}

func TestDevRoutesDisabled(t *testing.T) {
	key, err := fhe.GenerateNetworkKey()
	require.NoError(t, err)
	n := newTestNode(t, key, nil)
	api := newServer(n, NopLogger(), NewMetricsCollector(), NewHealthChecker("test"), NewAccountRateLimiter(1, 1, time.Second), false)
	srv := httptest.NewServer(api.routes())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/dev/fund", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodeStateRoundTrip(t *testing.T) {
	key, err := fhe.GenerateNetworkKey()
	require.NoError(t, err)
	stub := &stubInputs{issued: make(map[fhe.Handle]stubInput)}
	n := newTestNode(t, key, stub)
	alice := common.HexToAddress("0xa11c")
	require.NoError(t, n.chain.Fund(alice, ether))

	id, _, err := n.createPrediction(alice, "Weather", []string{"Sunny", "Rainy"})
	require.NoError(t, err)
	sel, proof := stub.issue(1, alice)
	betRcpt, err := n.placeBet(alice, id, milliEther(500), &inputs.EncryptedInput{Handle: sel, Proof: proof})
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, n.saveState(dir))
	_, err = os.Stat(filepath.Join(dir, ledgerStateFile))
	require.NoError(t, err)

	restored := newTestNode(t, key, stub)
	ok, err := restored.loadState(dir)
	require.NoError(t, err)
	require.True(t, ok)

	tot, err := restored.engine.GetEncryptedTotals(id)
	require.NoError(t, err)
	rainy, err := restored.cop.Decrypt(tot.Options[1])
	require.NoError(t, err)
	require.Equal(t, milliEther(500).Uint64(), rainy)
	require.True(t, restored.cop.IsPubliclyDecryptable(tot.Pool))

	require.Len(t, restored.events.ForPrediction(id), 2)
	require.Equal(t, betRcpt.TxHash, restored.events.ForPrediction(id)[1].TxHash)
	require.Equal(t, n.chain.BlockNumber(), restored.chain.BlockNumber())
	require.Equal(t, 0, milliEther(500).Cmp(restored.chain.BalanceOf(restored.contract)))

	next, _, err := restored.createPrediction(alice, "Match", []string{"A", "B"})
	require.NoError(t, err)
	require.Equal(t, id+1, next)
	for _, l := range restored.events.ForPrediction(next) {
		require.NotEqual(t, betRcpt.TxHash, l.TxHash)
		require.NotEqual(t, restored.events.ForPrediction(id)[0].TxHash, l.TxHash)
	}

	empty := newTestNode(t, key, stub)
	ok, err = empty.loadState(t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)

	other, err := fhe.GenerateNetworkKey()
	require.NoError(t, err)
	_, err = newTestNode(t, other, stub).loadState(dir)
	require.ErrorIs(t, err, fhe.ErrSnapshotMismatched)
}
