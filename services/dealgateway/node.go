package dealgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dealchain/config"
	"dealchain/core/events"
	"dealchain/core/ledger"
	"dealchain/core/state"
	"dealchain/core/types"
	"dealchain/crypto"
	"dealchain/native/deal"
	"dealchain/observability"
	"dealchain/storage"
)

// Operation names used for metrics and logs.
const (
	OpInitialize    = "initialize"
	OpPartiallyPay  = "partially_pay"
	OpUpdateChecker = "update_checker"
	OpFinish        = "finish"
	OpCancel        = "cancel"
	OpFund          = "fund"
)

// Node hosts the deal engine over persistent state. A single mutex
// serialises transitions because they share one state overlay; a
// transition's writes are committed to storage only when it succeeds.
type Node struct {
	mu     sync.Mutex
	db     storage.Database
	state  *state.Manager
	ledger *ledger.Ledger
	engine *deal.Engine
	events *events.Buffer
	logger *slog.Logger
	tracer trace.Tracer
}

// Outcome is the result of a committed transition.
type Outcome struct {
	Receipt *deal.Receipt
	Events  []*types.Event
}

// OpenDatabase opens the storage backend named in cfg.
func OpenDatabase(cfg *config.Config) (storage.Database, error) {
	if cfg.Backend == config.BackendMemory {
		return storage.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.Backend {
	case config.BackendBolt:
		db, err := storage.NewBoltDB(filepath.Join(cfg.DataDir, "deals.bolt"))
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.BackendLevelDB, "":
		db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "deals.ldb"))
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

// NewNode wires the engine to db and registers the configured assets.
func NewNode(db storage.Database, cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if db == nil || cfg == nil {
		return nil, errors.New("dealgateway: database and config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	params, err := cfg.DealParams()
	if err != nil {
		return nil, err
	}
	deposit, err := cfg.AccountDeposit()
	if err != nil {
		return nil, err
	}
	st := state.NewManager(db)
	if err := registerAssets(st, cfg.Assets); err != nil {
		st.Discard()
		return nil, err
	}
	if err := st.Commit(); err != nil {
		return nil, fmt.Errorf("commit asset registry: %w", err)
	}
	l := ledger.New(st, deposit)
	buffer := &events.Buffer{}
	engine := deal.NewEngine(params)
	engine.SetState(st)
	engine.SetLedger(l)
	engine.SetEmitter(buffer)
	return &Node{
		db:     db,
		state:  st,
		ledger: l,
		engine: engine,
		events: buffer,
		logger: logger,
		tracer: otel.Tracer("dealgateway/node"),
	}, nil
}

func registerAssets(st *state.Manager, assets []config.AssetConfig) error {
	for _, asset := range assets {
		symbol, err := deal.NormalizeAsset(asset.Symbol)
		if err != nil {
			return err
		}
		meta, err := st.Token(symbol)
		if err != nil {
			return err
		}
		if meta == nil {
			if err := st.RegisterToken(symbol, asset.Name, asset.Decimals); err != nil {
				return err
			}
		}
		if asset.MintAuthority != "" {
			authority, err := crypto.ParseIdentity(asset.MintAuthority)
			if err != nil {
				return fmt.Errorf("asset %s: %w", symbol, err)
			}
			if err := st.SetTokenMintAuthority(symbol, authority[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetNowFunc overrides the engine clock.
func (n *Node) SetNowFunc(now func() int64) { n.engine.SetNowFunc(now) }

// Engine exposes the engine for address derivation.
func (n *Node) Engine() *deal.Engine { return n.engine }

// Close releases the underlying database.
func (n *Node) Close() {
	if n != nil && n.db != nil {
		n.db.Close()
	}
}

// apply runs one transition. On failure every staged write is discarded; on
// success the writes are committed and the buffered events returned.
func (n *Node) apply(ctx context.Context, op string, fn func() (*deal.Receipt, error)) (*Outcome, error) {
	start := time.Now()
	_, span := n.tracer.Start(ctx, "deal."+op)
	defer span.End()
	n.mu.Lock()
	defer n.mu.Unlock()

	rcpt, err := fn()
	if err == nil {
		if commitErr := n.state.Commit(); commitErr != nil {
			err = fmt.Errorf("commit: %w", commitErr)
		}
	}
	observability.Deals().Observe(op, deal.Code(err), time.Since(start))
	if err != nil {
		n.state.Discard()
		n.events.Discard()
		span.RecordError(err)
		span.SetStatus(codes.Error, deal.Code(err))
		n.logger.Warn("deal transition rejected",
			slog.String("operation", op),
			slog.String("code", deal.Code(err)),
			slog.Any("error", err))
		return nil, err
	}
	outcome := &Outcome{Receipt: rcpt, Events: n.events.Drain()}
	if rcpt != nil && rcpt.Deal != nil {
		span.SetAttributes(attribute.String("deal.address", crypto.FormatCustody(rcpt.Deal.Address)))
	}
	span.SetStatus(codes.Ok, "committed")
	n.record(op, outcome)
	return outcome, nil
}

func (n *Node) record(op string, outcome *Outcome) {
	switch op {
	case OpInitialize:
		observability.Deals().DealOpened()
	case OpFinish, OpCancel:
		observability.Deals().DealClosed()
	}
	for _, evt := range outcome.Events {
		observability.Events().RecordEvent(evt.Type)
	}
	if outcome.Receipt == nil {
		return
	}
	for _, m := range outcome.Receipt.Movements {
		observability.Events().RecordMovement(m.Asset, m.Purpose)
	}
	if outcome.Receipt.Deal != nil {
		n.logger.Info("deal transition applied",
			slog.String("operation", op),
			slog.String("deal", crypto.FormatCustody(outcome.Receipt.Deal.Address)),
			slog.Int("movements", len(outcome.Receipt.Movements)))
	}
}

// Initialize creates a deal.
func (n *Node) Initialize(ctx context.Context, req deal.InitializeRequest) (*Outcome, error) {
	return n.apply(ctx, OpInitialize, func() (*deal.Receipt, error) {
		return n.engine.Initialize(req)
	})
}

// PartiallyPay records a direct payment on the deal at addr.
func (n *Node) PartiallyPay(ctx context.Context, addr, caller [20]byte, amount *uint256.Int) (*Outcome, error) {
	return n.apply(ctx, OpPartiallyPay, func() (*deal.Receipt, error) {
		key, err := n.keyAt(addr)
		if err != nil {
			return nil, err
		}
		return n.engine.PartiallyPay(key, caller, amount)
	})
}

// UpdateChecker assigns the checker of the deal at addr.
func (n *Node) UpdateChecker(ctx context.Context, addr [20]byte, req deal.UpdateCheckerRequest) (*Outcome, error) {
	return n.apply(ctx, OpUpdateChecker, func() (*deal.Receipt, error) {
		key, err := n.keyAt(addr)
		if err != nil {
			return nil, err
		}
		return n.engine.UpdateChecker(key, req)
	})
}

// Finish settles the deal at addr.
func (n *Node) Finish(ctx context.Context, addr, caller [20]byte) (*Outcome, error) {
	return n.apply(ctx, OpFinish, func() (*deal.Receipt, error) {
		key, err := n.keyAt(addr)
		if err != nil {
			return nil, err
		}
		return n.engine.Finish(key, caller)
	})
}

// Cancel unwinds the deal at addr.
func (n *Node) Cancel(ctx context.Context, addr, caller [20]byte) (*Outcome, error) {
	return n.apply(ctx, OpCancel, func() (*deal.Receipt, error) {
		key, err := n.keyAt(addr)
		if err != nil {
			return nil, err
		}
		return n.engine.Cancel(key, caller)
	})
}

func (n *Node) keyAt(addr [20]byte) (deal.Key, error) {
	record, err := n.engine.DealAt(addr)
	if err != nil {
		return deal.Key{}, err
	}
	return record.Key(), nil
}

// Deal returns the record stored at addr.
func (n *Node) Deal(addr [20]byte) (*deal.Deal, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.DealAt(addr)
}

// AccountView is a ledger account together with the native balance of the
// same address.
type AccountView struct {
	Account *deal.Account
	Native  *uint256.Int
}

// Account returns the ledger view of addr. Account is nil when no token
// account exists there.
func (n *Node) Account(addr [20]byte) (*AccountView, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	acc, ok, err := n.ledger.Account(addr)
	if err != nil {
		return nil, err
	}
	native, err := n.ledger.NativeBalance(addr)
	if err != nil {
		return nil, err
	}
	view := &AccountView{Native: native}
	if ok {
		view.Account = acc
	}
	return view, nil
}

// FundRequest credits native balance and optionally mints asset into the
// owner's associated account.
type FundRequest struct {
	Owner     [20]byte
	Authority [20]byte
	Native    *uint256.Int
	Asset     string
	Amount    *uint256.Int
}

// Fund applies an administrative credit. The ledger enforces the asset's
// mint authority against req.Authority.
func (n *Node) Fund(ctx context.Context, req FundRequest) (*Outcome, error) {
	return n.apply(ctx, OpFund, func() (*deal.Receipt, error) {
		if req.Native != nil && !req.Native.IsZero() {
			if err := n.ledger.CreditNative(req.Owner, req.Native); err != nil {
				return nil, err
			}
		}
		if req.Asset == "" {
			return &deal.Receipt{}, nil
		}
		asset, err := deal.NormalizeAsset(req.Asset)
		if err != nil {
			return nil, err
		}
		addr := n.engine.AssociatedAddress(asset, req.Owner)
		if _, err := n.ledger.EnsureAccount(addr, asset, req.Owner, req.Owner); err != nil {
			return nil, err
		}
		if err := n.ledger.Mint(asset, addr, req.Authority, req.Amount); err != nil {
			return nil, err
		}
		return &deal.Receipt{Movements: []deal.Movement{{
			Purpose: OpFund,
			Asset:   asset,
			To:      addr,
			Amount:  amountOrZero(req.Amount),
		}}}, nil
	})
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
