package deal

import (
	"time"

	"dealchain/core/events"
	"dealchain/core/types"
)

type engineState interface {
	DealPut(*Deal) error
	DealGet(addr [20]byte) (*Deal, bool, error)
	DealDelete(addr [20]byte) error
	Snapshot() int
	RevertToSnapshot(id int)
}

type dealEvent struct {
	evt *types.Event
}

func (e dealEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dealEvent) Event() *types.Event { return e.evt }

// Engine executes the deal state machine against a record store and a token
// ledger. Every public transition either applies all of its effects or none.
type Engine struct {
	params  Params
	state   engineState
	ledger  Ledger
	deriver Deriver
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with the supplied parameters, the keccak
// address deriver and a no-op emitter.
func NewEngine(params Params) *Engine {
	return &Engine{
		params:  params.Clone(),
		deriver: KeccakDeriver{},
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the record store. The store must support snapshots so
// failed transitions can be rolled back.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the token ledger.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetDeriver overrides the address deriver. Passing nil restores the keccak
// deriver.
func (e *Engine) SetDeriver(deriver Deriver) {
	if deriver == nil {
		e.deriver = KeccakDeriver{}
		return
	}
	e.deriver = deriver
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Params returns a copy of the engine parameters.
func (e *Engine) Params() Params { return e.params.Clone() }

// RecordAddress returns the address the record for key lives at.
func (e *Engine) RecordAddress(key Key) [20]byte { return e.deriver.RecordAddress(key) }

// CustodyAddress returns the custody address of role for key.
func (e *Engine) CustodyAddress(key Key, role string) [20]byte {
	return e.deriver.CustodyAddress(key, role)
}

// AssociatedAddress returns owner's canonical account for asset.
func (e *Engine) AssociatedAddress(asset string, owner [20]byte) [20]byte {
	return e.deriver.AssociatedAddress(asset, owner)
}

// Deal loads the record for key.
func (e *Engine) Deal(key Key) (*Deal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.load(key)
}

// DealAt loads the record stored at a record address.
func (e *Engine) DealAt(addr [20]byte) (*Deal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	record, ok, err := e.state.DealGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDealNotFound
	}
	return record, nil
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil || e.ledger == nil || e.deriver == nil {
		return errNotConfigured
	}
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) load(key Key) (*Deal, error) {
	addr := e.deriver.RecordAddress(key)
	record, ok, err := e.state.DealGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDealNotFound
	}
	if record.Client != key.Client || record.Executor != key.Executor || record.ID != key.ID {
		return nil, ErrDealNotFound
	}
	return record, nil
}

// atomically runs fn inside a state snapshot. On error every write fn made,
// including ledger writes sharing the same state, is reverted. The event is
// emitted only after fn succeeded.
func (e *Engine) atomically(fn func() (*types.Event, error)) error {
	if err := e.ready(); err != nil {
		return err
	}
	snapshot := e.state.Snapshot()
	event, err := fn()
	if err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	e.emit(event)
	return nil
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(dealEvent{evt: event})
}

func containsSigner(signers [][20]byte, who [20]byte) bool {
	for _, s := range signers {
		if s == who {
			return true
		}
	}
	return false
}
