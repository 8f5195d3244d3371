package dealgateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"dealchain/config"
	"dealchain/crypto"
	"dealchain/storage"
)

type gatewayHarness struct {
	t       *testing.T
	node    *Node
	store   *SQLiteStore
	handler http.Handler
	now     time.Time
	logs    bytes.Buffer

	admin    *crypto.PrivateKey
	service  *crypto.PrivateKey
	client   *crypto.PrivateKey
	executor *crypto.PrivateKey
	checker  *crypto.PrivateKey
	stranger *crypto.PrivateKey
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func identity(key *crypto.PrivateKey) string {
	return crypto.FormatIdentity(key.PubKey().Address().Array())
}

func newGatewayHarness(t *testing.T, limits RateLimitConfig) *gatewayHarness {
	t.Helper()
	h := &gatewayHarness{
		t:        t,
		now:      time.Unix(1_700_000_000, 0),
		admin:    mustKey(t),
		service:  mustKey(t),
		client:   mustKey(t),
		executor: mustKey(t),
		checker:  mustKey(t),
		stranger: mustKey(t),
	}
	cfg := &config.Config{
		Backend: config.BackendMemory,
		Deal: config.DealConfig{
			ServiceIdentity:    identity(h.service),
			FeeRecipient:       identity(h.service),
			FeeEligibleAsset:   "USDC",
			HolderAsset:        "HOLD",
			HolderThreshold:    "50",
			HolderWaiverAmount: "50",
			RecordDeposit:      "5",
			AccountDeposit:     "2",
		},
		Assets: []config.AssetConfig{
			{Symbol: "USDC", Name: "USD Coin", Decimals: 6},
			{Symbol: "HOLD", Name: "Holder Token", Decimals: 6},
		},
	}
	logger := slog.New(slog.NewJSONHandler(&h.logs, nil))
	db := storage.NewMemDB()
	node, err := NewNode(db, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(node.Close)
	node.SetNowFunc(func() int64 { return h.now.Unix() })

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	auth := NewAuthenticator(time.Minute, func() time.Time { return h.now })
	limiter := NewRateLimiter(limits)
	limiter.nowFn = func() time.Time { return h.now }
	admins := [][20]byte{h.admin.PubKey().Address().Array()}
	server := NewServer(node, store, auth, limiter, admins, logger)

	h.node = node
	h.store = store
	h.handler = server.Handler()
	return h
}

// do signs and sends a request. The clock advances one second per call so
// repeated requests carry fresh signatures.
func (h *gatewayHarness) do(method, path string, body interface{}, idempotencyKey string, signers ...*crypto.PrivateKey) *httptest.ResponseRecorder {
	h.t.Helper()
	h.now = h.now.Add(time.Second)
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req := h.request(method, path, raw, strconv.FormatInt(h.now.Unix(), 10), idempotencyKey, signers...)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *gatewayHarness) request(method, path string, raw []byte, timestamp, idempotencyKey string, signers ...*crypto.PrivateKey) *http.Request {
	h.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if len(signers) > 0 {
		sigs := make([]string, 0, len(signers))
		for _, key := range signers {
			sig, err := SignRequest(key, method, path, timestamp, raw)
			require.NoError(h.t, err)
			sigs = append(sigs, sig)
		}
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, strings.Join(sigs, ","))
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	return req
}

func (h *gatewayHarness) fund(owner *crypto.PrivateKey, native, usdc string) {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/v1/admin/mint", FundRequestBody{
		Owner:  identity(owner),
		Native: native,
		Asset:  "USDC",
		Amount: usdc,
	}, "", h.admin)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *gatewayHarness) balance(owner *crypto.PrivateKey, asset string) string {
	h.t.Helper()
	addr := h.node.Engine().AssociatedAddress(asset, owner.PubKey().Address().Array())
	rec := h.do(http.MethodGet, "/v1/accounts/"+crypto.FormatCustody(addr), nil, "")
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
	var resp AccountResponse
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if !resp.Exists {
		return "0"
	}
	return resp.Balance
}

func decodeReceipt(t *testing.T, rec *httptest.ResponseRecorder) ReceiptView {
	t.Helper()
	var view ReceiptView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view), rec.Body.String())
	return view
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func (h *gatewayHarness) initBody(id string) InitializeRequest {
	return InitializeRequest{
		ID:         id,
		Client:     identity(h.client),
		Executor:   identity(h.executor),
		Asset:      "usdc",
		Amount:     "1000",
		ServiceFee: "10",
	}
}

func TestGatewayDealLifecycle(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	h.fund(h.client, "1000", "5000")
	h.fund(h.executor, "1000", "0")

	body := h.initBody("000102030405060708090a0b0c0d0e0f")
	rec := h.do(http.MethodPost, "/v1/deals", body, "create-1", h.client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(HeaderRequestID))
	created := decodeReceipt(t, rec)
	require.NotNil(t, created.Deal)
	require.Equal(t, "USDC", created.Deal.Asset)
	require.Equal(t, "1000", created.Deal.Held)
	address := created.Deal.Address

	replay := h.do(http.MethodPost, "/v1/deals", body, "create-1", h.client)
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, rec.Body.String(), replay.Body.String())

	altered := body
	altered.Amount = "999"
	conflict := h.do(http.MethodPost, "/v1/deals", altered, "create-1", h.client)
	require.Equal(t, http.StatusConflict, conflict.Code)

	rec = h.do(http.MethodGet, "/v1/deals/"+address, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view DealView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "1000", view.Amount)
	require.Equal(t, "0", view.PaidAmount)

	rec = h.do(http.MethodPost, "/v1/deals/"+address+"/partial-payments", PartialPaymentRequest{Amount: "300"}, "", h.client)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "300", decodeReceipt(t, rec).Deal.PaidAmount)

	rec = h.do(http.MethodPost, "/v1/deals/"+address+"/finish", CallerRequest{}, "", h.executor)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	finished := decodeReceipt(t, rec)
	require.NotEmpty(t, finished.Closed)

	rec = h.do(http.MethodGet, "/v1/deals/"+address, nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "DealNotFound", decodeError(t, rec).Code)

	require.Equal(t, "3990", h.balance(h.client, "USDC"))
	require.Equal(t, "1000", h.balance(h.executor, "USDC"))

	rec = h.do(http.MethodGet, "/v1/deals/"+address+"/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logged struct {
		Events []StoredEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logged))
	kinds := make([]string, 0, len(logged.Events))
	for _, evt := range logged.Events {
		kinds = append(kinds, evt.Type)
	}
	require.Equal(t, []string{"deal.initialized", "deal.partially_paid", "deal.finished"}, kinds)
}

func TestGatewayCheckerAndCancel(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	h.fund(h.client, "1000", "5000")
	h.fund(h.executor, "1000", "0")

	body := h.initBody("101112131415161718191a1b1c1d1e1f")
	deadline := h.now.Unix() + 100
	body.Deadline = &deadline
	rec := h.do(http.MethodPost, "/v1/deals", body, "create-2", h.client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	address := decodeReceipt(t, rec).Deal.Address

	// One party alone cannot assign a checker.
	update := CheckerUpdateRequest{Identity: identity(h.checker), Fee: "20"}
	rec = h.do(http.MethodPost, "/v1/deals/"+address+"/checker", update, "", h.client)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "MissingSignature", decodeError(t, rec).Code)

	rec = h.do(http.MethodPost, "/v1/deals/"+address+"/checker", update, "", h.client, h.executor)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assigned := decodeReceipt(t, rec)
	require.Equal(t, "20", assigned.Deal.Checker.Fee)
	require.Equal(t, "1020", assigned.Deal.Held)

	rec = h.do(http.MethodPost, "/v1/deals/"+address+"/cancel", CallerRequest{}, "", h.client)
	require.Equal(t, http.StatusConflict, rec.Code)
	notYet := decodeError(t, rec)
	require.Equal(t, "DeadlineNotCome", notYet.Code)
	require.True(t, notYet.Retryable)

	rec = h.do(http.MethodPost, "/v1/deals/"+address+"/finish", CallerRequest{}, "", h.stranger)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "Unauthorized", decodeError(t, rec).Code)

	h.now = h.now.Add(200 * time.Second)
	rec = h.do(http.MethodPost, "/v1/deals/"+address+"/cancel", CallerRequest{Caller: identity(h.checker)}, "", h.stranger, h.checker)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Principal and checker fee are refunded; only the service fee is gone.
	require.Equal(t, "4990", h.balance(h.client, "USDC"))
}

func TestGatewayRejectsBadSignatures(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	body := h.initBody("202122232425262728292a2b2c2d2e2f")

	rec := h.do(http.MethodPost, "/v1/deals", body, "k")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	stale := strconv.FormatInt(h.now.Add(-time.Hour).Unix(), 10)
	sig, err := SignRequest(h.client, http.MethodPost, "/v1/deals", stale, raw)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/deals", bytes.NewReader(raw))
	req.Header.Set(HeaderTimestamp, stale)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderIdempotencyKey, "k")
	stored := httptest.NewRecorder()
	h.handler.ServeHTTP(stored, req)
	require.Equal(t, http.StatusUnauthorized, stored.Code)
	require.NotContains(t, h.logs.String(), sig)
	require.Contains(t, h.logs.String(), `"signature":"[REDACTED]"`)

	rec = h.do(http.MethodPost, "/v1/deals", body, "", h.client)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGatewayReplayedSignatureRejected(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	h.fund(h.client, "10", "0")

	raw, err := json.Marshal(FundRequestBody{Owner: identity(h.client), Native: "1"})
	require.NoError(t, err)
	timestamp := strconv.FormatInt(h.now.Unix(), 10)
	sig, err := SignRequest(h.admin, http.MethodPost, "/v1/admin/mint", timestamp, raw)
	require.NoError(t, err)
	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/mint", bytes.NewReader(raw))
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, sig)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusUnauthorized, send())
}

func TestGatewayFlippedSignatureRejected(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	owner := h.client.PubKey().Address().Array()

	raw, err := json.Marshal(FundRequestBody{Owner: identity(h.client), Native: "7"})
	require.NoError(t, err)
	timestamp := strconv.FormatInt(h.now.Unix(), 10)
	sig, err := SignRequest(h.admin, http.MethodPost, "/v1/admin/mint", timestamp, raw)
	require.NoError(t, err)
	decoded, err := hex.DecodeString(sig)
	require.NoError(t, err)
	s := new(big.Int).SetBytes(decoded[32:64])
	s.Sub(ethcrypto.S256().Params().N, s)
	s.FillBytes(decoded[32:64])
	decoded[64] ^= 1

	send := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/mint", bytes.NewReader(raw))
		req.Header.Set(HeaderTimestamp, timestamp)
		req.Header.Set(HeaderSignature, signature)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send(sig))
	require.Equal(t, http.StatusUnauthorized, send(hex.EncodeToString(decoded)))

	view, err := h.node.Account(owner)
	require.NoError(t, err)
	require.Equal(t, "7", view.Native.Dec())
}

func TestGatewayAdminRequired(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	rec := h.do(http.MethodPost, "/v1/admin/mint", FundRequestBody{
		Owner:  identity(h.stranger),
		Native: "1000",
	}, "", h.stranger)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGatewayFailedTransitionLeavesNoTrace(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	h.fund(h.client, "1000", "100")

	body := h.initBody("303132333435363738393a3b3c3d3e3f")
	rec := h.do(http.MethodPost, "/v1/deals", body, "too-big", h.client)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "LedgerError", decodeError(t, rec).Code)

	require.Equal(t, "100", h.balance(h.client, "USDC"))
	view, err := h.node.Account(h.node.Engine().AssociatedAddress("USDC", h.client.PubKey().Address().Array()))
	require.NoError(t, err)
	require.Equal(t, "100", view.Account.Balance.Dec())
	require.Equal(t, "998", view.Native.Dec())

	h.fund(h.client, "10", "1000")
	rec = h.do(http.MethodPost, "/v1/deals", body, "too-big", h.client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Empty(t, rec.Header().Get("Idempotent-Replay"))
}

func TestGatewayConcurrentRequestsShareIdempotencyKey(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	h.fund(h.client, "1000", "5000")
	rec := h.do(http.MethodPost, "/v1/deals", h.initBody("404142434445464748494a4b4c4d4e4f"), "", h.client)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	address := decodeReceipt(t, rec).Deal.Address
	path := "/v1/deals/" + address + "/partial-payments"

	raw, err := json.Marshal(PartialPaymentRequest{Amount: "100"})
	require.NoError(t, err)
	const callers = 8
	reqs := make([]*http.Request, callers)
	for i := range reqs {
		timestamp := strconv.FormatInt(h.now.Unix()-int64(i), 10)
		reqs[i] = h.request(http.MethodPost, path, raw, timestamp, "pay-once", h.client)
	}

	recs := make([]*httptest.ResponseRecorder, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			recs[i] = httptest.NewRecorder()
			h.handler.ServeHTTP(recs[i], reqs[i])
		}(i)
	}
	close(start)
	wg.Wait()

	applied := 0
	for _, rec := range recs {
		switch rec.Code {
		case http.StatusOK:
			if rec.Header().Get("Idempotent-Replay") == "" {
				applied++
			}
		case http.StatusConflict:
		default:
			t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
		}
	}
	require.Equal(t, 1, applied)

	rec = h.do(http.MethodGet, "/v1/deals/"+address, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view DealView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "100", view.PaidAmount)
}

func TestGatewayRateLimit(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 1, Burst: 1})
	addr := crypto.FormatCustody(h.node.Engine().AssociatedAddress("USDC", h.client.PubKey().Address().Array()))
	first := h.do(http.MethodGet, "/v1/accounts/"+addr, nil, "")
	require.Equal(t, http.StatusOK, first.Code)
	second := h.do(http.MethodGet, "/v1/accounts/"+addr, nil, "")
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestGatewayHealthAndMetrics(t *testing.T) {
	h := newGatewayHarness(t, RateLimitConfig{RequestsPerMinute: 6000, Burst: 100})
	rec := h.do(http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
}
