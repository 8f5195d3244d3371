package dealgateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dealchain/core/ledger"
	"dealchain/core/types"
	"dealchain/crypto"
	"dealchain/native/deal"
	"dealchain/observability"
	"dealchain/observability/logging"
)

type ctxKey int

const requestIDKey ctxKey = iota

// Server exposes the deal engine over HTTP.
type Server struct {
	node    *Node
	store   *SQLiteStore
	auth    *Authenticator
	limiter *RateLimiter
	admins  [][20]byte
	logger  *slog.Logger
	router  chi.Router
}

// NewServer builds the HTTP surface. The node, store and authenticator are
// required.
func NewServer(node *Node, store *SQLiteStore, auth *Authenticator, limiter *RateLimiter, admins [][20]byte, logger *slog.Logger) *Server {
	if node == nil {
		panic("dealgateway: node required")
	}
	if store == nil {
		panic("dealgateway: store required")
	}
	if auth == nil {
		panic("dealgateway: authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		node:    node,
		store:   store,
		auth:    auth,
		limiter: limiter,
		admins:  append([][20]byte(nil), admins...),
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestContext)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/deals", s.signed(s.handleInitialize, true))
		v1.Get("/deals/{address}", s.handleDealGet)
		v1.Get("/deals/{address}/events", s.handleDealEvents)
		v1.Post("/deals/{address}/partial-payments", s.signed(s.handlePartialPayment, false))
		v1.Post("/deals/{address}/checker", s.signed(s.handleCheckerUpdate, false))
		v1.Post("/deals/{address}/finish", s.signed(s.handleFinish, false))
		v1.Post("/deals/{address}/cancel", s.signed(s.handleCancel, false))
		v1.Get("/accounts/{address}", s.handleAccountGet)
		v1.Post("/admin/mint", s.signed(s.handleFund, false))
	})
	return r
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "deal-gateway")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestContext assigns the request id, then logs and measures the request.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set(HeaderRequestID, requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		route := "unmatched"
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := time.Since(start)
		observability.Gateway().Observe(route, recorder.status, duration)
		s.logger.Info("request completed",
			slog.String("request_id", requestID),
			slog.String("method", r.Method),
			slog.String("path", route),
			slog.Int("status", recorder.status),
			slog.Duration("duration", duration))
	})
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// signedCall is an authenticated request handed to a mutating handler.
type signedCall struct {
	requestID string
	body      []byte
	signers   [][20]byte
	r         *http.Request
}

// result is what a mutating handler produced. dealAddress is set when the
// response carries events for a deal.
type result struct {
	status      int
	payload     interface{}
	dealAddress *[20]byte
	events      []*types.Event
}

type mutation func(call *signedCall) (*result, error)

// signed wraps a mutating handler with authentication, throttling,
// idempotency and auditing.
func (s *Server) signed(handler mutation, requireIdempotency bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := requestIDFrom(ctx)
		body, err := s.readRequestBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(ctx, requestID, "", r, nil, http.StatusBadRequest, errorPayload(err))
			return
		}
		signers, err := s.auth.Authenticate(r, body)
		if err != nil {
			if errors.Is(err, errStaleTimestamp) {
				observability.Gateway().RecordThrottle("stale_timestamp")
			} else if errors.Is(err, errReplayed) {
				observability.Gateway().RecordThrottle("replayed_signature")
			}
			s.logger.Warn("request authentication failed",
				slog.String("request_id", requestID),
				logging.MaskField("signature", r.Header.Get(HeaderSignature)),
				logging.MaskField("idempotency_key", r.Header.Get(HeaderIdempotencyKey)),
				slog.Any("error", err))
			s.writeError(w, http.StatusUnauthorized, err)
			s.audit(ctx, requestID, "", r, body, http.StatusUnauthorized, errorPayload(err))
			return
		}
		primary := hex.EncodeToString(signers[0][:])
		if !s.limiter.Allow(primary) {
			observability.Gateway().RecordThrottle("rate_limit")
			err := errors.New("rate limit exceeded")
			s.writeError(w, http.StatusTooManyRequests, err)
			s.audit(ctx, requestID, primary, r, body, http.StatusTooManyRequests, errorPayload(err))
			return
		}

		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" && requireIdempotency {
			err := fmt.Errorf("missing %s header", HeaderIdempotencyKey)
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(ctx, requestID, primary, r, body, http.StatusBadRequest, errorPayload(err))
			return
		}
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		if key != "" {
			cached, err := s.store.ReserveIdempotency(ctx, primary, key, requestHash)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, ErrIdempotencyMismatch) || errors.Is(err, ErrIdempotencyInFlight) {
					status = http.StatusConflict
				}
				s.writeError(w, status, err)
				s.audit(ctx, requestID, primary, r, body, status, errorPayload(err))
				return
			}
			if cached != nil {
				observability.Gateway().RecordReplay()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				s.audit(ctx, requestID, primary, r, body, cached.Status, cached.Body)
				return
			}
		}
		release := func() {
			if key == "" {
				return
			}
			if err := s.store.ReleaseIdempotency(context.WithoutCancel(ctx), primary, key); err != nil {
				s.logger.Error("release idempotency key",
					slog.String("request_id", requestID),
					slog.Any("error", err))
			}
		}

		res, err := handler(&signedCall{requestID: requestID, body: body, signers: signers, r: r})
		if err != nil {
			release()
			status := statusFor(err)
			s.writeEngineError(w, status, err)
			s.audit(ctx, requestID, primary, r, body, status, errorPayload(err))
			return
		}
		payload, err := json.Marshal(res.payload)
		if err != nil {
			release()
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(ctx, requestID, primary, r, body, http.StatusInternalServerError, errorPayload(err))
			return
		}
		if res.dealAddress != nil && len(res.events) > 0 {
			if err := s.store.AppendEvents(ctx, crypto.FormatCustody(*res.dealAddress), requestID, res.events); err != nil {
				s.logger.Error("append deal events",
					slog.String("request_id", requestID),
					slog.Any("error", err))
			}
		}
		if key != "" {
			if err := s.store.SaveIdempotency(ctx, primary, key, requestHash, res.status, payload); err != nil {
				s.logger.Error("save idempotency key",
					slog.String("request_id", requestID),
					slog.Any("error", err))
				release()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.status)
		_, _ = w.Write(payload)
		s.audit(ctx, requestID, primary, r, body, res.status, payload)
	}
}

// pickCaller returns the acting identity: the requested one when it signed,
// otherwise the first signer.
func pickCaller(requested string, signers [][20]byte) ([20]byte, error) {
	if strings.TrimSpace(requested) == "" {
		return signers[0], nil
	}
	caller, err := parseIdentityField("caller", requested)
	if err != nil {
		return [20]byte{}, badRequest{err}
	}
	if !containsIdentity(signers, caller) {
		return [20]byte{}, fmt.Errorf("%w: caller did not sign the request", deal.ErrMissingSignature)
	}
	return caller, nil
}

func decodeBody(body []byte, out interface{}) error {
	if len(body) == 0 {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// badRequest marks errors caused by a malformed request rather than by the
// engine.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

func (s *Server) handleInitialize(call *signedCall) (*result, error) {
	var body InitializeRequest
	if err := decodeBody(call.body, &body); err != nil {
		return nil, badRequest{err}
	}
	req, err := body.toEngine(call.signers)
	if err != nil {
		return nil, badRequest{err}
	}
	outcome, err := s.node.Initialize(call.r.Context(), req)
	if err != nil {
		return nil, err
	}
	return s.transitionResult(call, http.StatusCreated, outcome), nil
}

func (s *Server) handlePartialPayment(call *signedCall) (*result, error) {
	addr, err := addressParam(call.r)
	if err != nil {
		return nil, badRequest{err}
	}
	var body PartialPaymentRequest
	if err := decodeBody(call.body, &body); err != nil {
		return nil, badRequest{err}
	}
	amount, err := parseAmountField("amount", body.Amount, true)
	if err != nil {
		return nil, badRequest{err}
	}
	caller, err := pickCaller(body.Caller, call.signers)
	if err != nil {
		return nil, err
	}
	outcome, err := s.node.PartiallyPay(call.r.Context(), addr, caller, amount)
	if err != nil {
		return nil, err
	}
	return s.transitionResult(call, http.StatusOK, outcome), nil
}

func (s *Server) handleCheckerUpdate(call *signedCall) (*result, error) {
	addr, err := addressParam(call.r)
	if err != nil {
		return nil, badRequest{err}
	}
	var body CheckerUpdateRequest
	if err := decodeBody(call.body, &body); err != nil {
		return nil, badRequest{err}
	}
	identity, err := parseIdentityField("identity", body.Identity)
	if err != nil {
		return nil, badRequest{err}
	}
	fee, err := parseAmountField("fee", body.Fee, false)
	if err != nil {
		return nil, badRequest{err}
	}
	outcome, err := s.node.UpdateChecker(call.r.Context(), addr, deal.UpdateCheckerRequest{
		Signers:  call.signers,
		Identity: identity,
		Fee:      fee,
	})
	if err != nil {
		return nil, err
	}
	return s.transitionResult(call, http.StatusOK, outcome), nil
}

func (s *Server) handleFinish(call *signedCall) (*result, error) {
	return s.terminal(call, s.node.Finish)
}

func (s *Server) handleCancel(call *signedCall) (*result, error) {
	return s.terminal(call, s.node.Cancel)
}

func (s *Server) terminal(call *signedCall, fn func(ctx context.Context, addr, caller [20]byte) (*Outcome, error)) (*result, error) {
	addr, err := addressParam(call.r)
	if err != nil {
		return nil, badRequest{err}
	}
	var body CallerRequest
	if len(call.body) > 0 {
		if err := decodeBody(call.body, &body); err != nil {
			return nil, badRequest{err}
		}
	}
	caller, err := pickCaller(body.Caller, call.signers)
	if err != nil {
		return nil, err
	}
	outcome, err := fn(call.r.Context(), addr, caller)
	if err != nil {
		return nil, err
	}
	return s.transitionResult(call, http.StatusOK, outcome), nil
}

func (s *Server) handleFund(call *signedCall) (*result, error) {
	authority, ok := s.adminSigner(call.signers)
	if !ok {
		return nil, fmt.Errorf("%w: admin signature required", deal.ErrUnauthorized)
	}
	var body FundRequestBody
	if err := decodeBody(call.body, &body); err != nil {
		return nil, badRequest{err}
	}
	owner, err := parseIdentityField("owner", body.Owner)
	if err != nil {
		return nil, badRequest{err}
	}
	native, err := parseAmountField("native", body.Native, false)
	if err != nil {
		return nil, badRequest{err}
	}
	amount, err := parseAmountField("amount", body.Amount, false)
	if err != nil {
		return nil, badRequest{err}
	}
	outcome, err := s.node.Fund(call.r.Context(), FundRequest{
		Owner:     owner,
		Authority: authority,
		Native:    native,
		Asset:     body.Asset,
		Amount:    amount,
	})
	if err != nil {
		return nil, err
	}
	return &result{status: http.StatusOK, payload: newReceiptView(call.requestID, outcome)}, nil
}

func (s *Server) adminSigner(signers [][20]byte) ([20]byte, bool) {
	for _, signer := range signers {
		if containsIdentity(s.admins, signer) {
			return signer, true
		}
	}
	return [20]byte{}, false
}

func (s *Server) transitionResult(call *signedCall, status int, outcome *Outcome) *result {
	res := &result{status: status, payload: newReceiptView(call.requestID, outcome), events: outcome.Events}
	if outcome.Receipt != nil && outcome.Receipt.Deal != nil {
		addr := outcome.Receipt.Deal.Address
		res.dealAddress = &addr
	}
	return res
}

func (s *Server) handleDealGet(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		observability.Gateway().RecordThrottle("rate_limit")
		s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.node.Deal(addr)
	if err != nil {
		s.writeEngineError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newDealView(record))
}

func (s *Server) handleDealEvents(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		observability.Gateway().RecordThrottle("rate_limit")
		s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	evts, err := s.store.ListEvents(r.Context(), crypto.FormatCustody(addr))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evts == nil {
		evts = []StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evts})
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientIP(r)) {
		observability.Gateway().RecordThrottle("rate_limit")
		s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}
	addr, err := addressParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := s.node.Account(addr)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(addr, view))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func addressParam(r *http.Request) ([20]byte, error) {
	return parseIdentityField("address", chi.URLParam(r, "address"))
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, int64(MaxBodyForSignature)+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	return body, nil
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func errorPayload(err error) []byte {
	payload, _ := json.Marshal(errorBody{Error: err.Error()})
	return payload
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) writeEngineError(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: err.Error()}
	var bad badRequest
	if !errors.As(err, &bad) {
		body.Code = deal.Code(err)
		body.Retryable = deal.Retryable(err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusFor maps engine and ledger errors onto HTTP status codes.
func statusFor(err error) int {
	var bad badRequest
	if errors.As(err, &bad) {
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		return http.StatusNotFound
	case errors.Is(err, deal.ErrDealExists), errors.Is(err, deal.ErrDeadlineNotCome):
		return http.StatusConflict
	}
	switch deal.KindOf(err) {
	case deal.KindValidation:
		return http.StatusBadRequest
	case deal.KindAuthorization:
		return http.StatusForbidden
	case deal.KindAccount:
		return http.StatusUnprocessableEntity
	case deal.KindState:
		return http.StatusServiceUnavailable
	}
	for _, known := range []error{
		ledger.ErrInsufficientFunds,
		ledger.ErrInsufficientDeposit,
		ledger.ErrAccountNotFound,
		ledger.ErrAccountExists,
		ledger.ErrAssetMismatch,
		ledger.ErrUnknownAsset,
		ledger.ErrMintPaused,
		ledger.ErrMintAuthority,
	} {
		if errors.Is(err, known) {
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) audit(ctx context.Context, requestID, signer string, r *http.Request, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		RequestID:      requestID,
		Signer:         signer,
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    requestBody,
		ResponseStatus: status,
		ResponseBody:   responseBody,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.store.InsertAuditLog(ctx, entry); err != nil {
		s.logger.Error("audit log insert failed",
			slog.String("request_id", requestID),
			slog.Any("error", err))
	}
}
