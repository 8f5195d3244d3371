package deal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/holiman/uint256"
)

func TestSanitizeDeal(t *testing.T) {
	d := &Deal{
		Client:     testClient,
		Executor:   testExecutor,
		Asset:      " usdc ",
		Amount:     uint256.NewInt(100),
		PaidAmount: uint256.NewInt(40),
		Checker:    &Checker{Identity: testChecker},
	}
	sanitized, err := SanitizeDeal(d)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if sanitized.Asset != "USDC" || sanitized.Checker.Fee == nil || sanitized.AdvancePaid == nil {
		t.Fatalf("sanitize did not normalise: %+v", sanitized)
	}
	if d.Asset != " usdc " {
		t.Fatalf("sanitize mutated its input")
	}

	d.PaidAmount = uint256.NewInt(101)
	if _, err := SanitizeDeal(d); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected overpaid record rejection, got %v", err)
	}
	d.PaidAmount = nil
	d.Executor = d.Client
	if _, err := SanitizeDeal(d); !errors.Is(err, ErrSameParties) {
		t.Fatalf("expected same parties, got %v", err)
	}
}

func TestDealAccounting(t *testing.T) {
	d := &Deal{
		Amount:      uint256.NewInt(1_000),
		PaidAmount:  uint256.NewInt(300),
		AdvancePaid: uint256.NewInt(100),
		Checker:     &Checker{Identity: testChecker, Fee: uint256.NewInt(50)},
	}
	held, err := d.Held()
	if err != nil || held.Uint64() != 950 {
		t.Fatalf("held = %v (%v), want 950", held, err)
	}
	out, err := d.Outstanding()
	if err != nil || out.Uint64() != 700 {
		t.Fatalf("outstanding = %v (%v), want 700", out, err)
	}
	d.Deadline = deadline(10)
	if d.DeadlineElapsed(9) || !d.DeadlineElapsed(10) {
		t.Fatalf("deadline elapses at the deadline itself")
	}
}

func TestCloneIsDeep(t *testing.T) {
	d := &Deal{
		Amount:     uint256.NewInt(1),
		ClientBond: &Bond{Asset: "USDC", Amount: uint256.NewInt(5)},
		Deadline:   deadline(7),
	}
	clone := d.Clone()
	clone.Amount.SetUint64(9)
	clone.ClientBond.Amount.SetUint64(9)
	*clone.Deadline = 9
	if d.Amount.Uint64() != 1 || d.ClientBond.Amount.Uint64() != 5 || *d.Deadline != 7 {
		t.Fatalf("clone shares state with original")
	}
}

func TestParseDealID(t *testing.T) {
	id, err := ParseDealID("0x000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id[15] != 0x0f || id.String() != "000102030405060708090a0b0c0d0e0f" {
		t.Fatalf("unexpected id %s", id)
	}
	if _, err := ParseDealID("abcd"); err == nil {
		t.Fatalf("expected short id to fail")
	}
}

func TestErrorCodes(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrDeadlineNotCome)
	if Code(wrapped) != "DeadlineNotCome" || KindOf(wrapped) != KindState || !Retryable(wrapped) {
		t.Fatalf("unexpected classification for %v", wrapped)
	}
	if Retryable(ErrDeadlineExpired) {
		t.Fatalf("expired deadline is not retryable")
	}
	if Code(ErrInvalidMint) != "InvalidMint" || KindOf(ErrInvalidMint) != KindAccount {
		t.Fatalf("unexpected classification for invalid mint")
	}
	if Code(nil) != "" {
		t.Fatalf("nil error must have empty code")
	}
}

func TestKeccakDeriverSeparatesRoles(t *testing.T) {
	key := Key{ID: DealID{1}, Client: testClient, Executor: testExecutor}
	deriver := KeccakDeriver{}
	seen := make(map[[20]byte]string)
	for _, role := range []string{RoleRecord, RolePrincipal, RoleClientBond, RoleExecutorBond, RoleHolder} {
		addr := deriver.CustodyAddress(key, role)
		if prev, ok := seen[addr]; ok {
			t.Fatalf("roles %s and %s collide", prev, role)
		}
		seen[addr] = role
	}
	if deriver.RecordAddress(key) != deriver.CustodyAddress(key, RoleRecord) {
		t.Fatalf("record address must match record role")
	}
	other := key
	other.ID = DealID{2}
	if deriver.RecordAddress(other) == deriver.RecordAddress(key) {
		t.Fatalf("distinct ids must derive distinct records")
	}
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams()
	if _, err := p.Validate(); err == nil {
		t.Fatalf("expected missing service identity to fail")
	}
	p.ServiceIdentity = testService
	p.FeeRecipient = testTreasury
	p.HolderAsset = "hold"
	validated, err := p.Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.HolderAsset != "HOLD" {
		t.Fatalf("holder asset not normalised: %s", validated.HolderAsset)
	}
}
