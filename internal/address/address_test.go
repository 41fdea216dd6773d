package address

import (
	"testing"
	"time"

	"github.com/liquidlogic/ecconet-matrix/internal/token"
)

type recorder struct{ tokens []token.Token }

func (r *recorder) SendToken(t token.Token) { r.tokens = append(r.tokens, t) }

func TestStaticAddressAnnouncesOnReset(t *testing.T) {
	m := New([4]uint32{}, 0x31, true)
	rec := &recorder{}
	m.Reset(rec)

	if !m.IsValid() || m.Address() != 0x31 {
		t.Fatalf("static address should be immediately valid")
	}
	if len(rec.tokens) != 1 || rec.tokens[0].Key != token.KeyResponseAddressInUse {
		t.Fatalf("expected one AddressInUse announcement, got %v", rec.tokens)
	}
}

func TestScenarioS3SelfAssignWithinTimeout(t *testing.T) {
	guid := [4]uint32{0xEE4CAD97, 0x331CE9EC, 0x9E957DBC, 0xA4A69FE5}
	m := New(guid, 0, false)
	rec := &recorder{}
	m.Reset(rec)

	now := time.Now()
	m.Clock(now, rec)
	if len(rec.tokens) != 1 || rec.tokens[0].Key != token.KeyRequestAddress {
		t.Fatalf("expected a RequestAddress proposal, got %v", rec.tokens)
	}
	candidate := uint8(rec.tokens[0].Value)
	if candidate < 1 || candidate > MaxAssignable {
		t.Fatalf("candidate %d out of range 1..120", candidate)
	}

	m.Clock(now.Add(ProposalTimeout), rec)
	if !m.IsValid() || m.Address() != candidate {
		t.Fatalf("expected address adopted after timeout, got %d valid=%v", m.Address(), m.IsValid())
	}
	if rec.tokens[len(rec.tokens)-1].Key != token.KeyResponseAddressInUse {
		t.Fatalf("expected AddressInUse announcement after adoption")
	}
}

func TestConflictingProposalRestartsNegotiation(t *testing.T) {
	guid := [4]uint32{1, 2, 3, 4}
	m := New(guid, 0, false)
	rec := &recorder{}
	m.Reset(rec)
	now := time.Now()
	m.Clock(now, rec)
	candidate := uint8(rec.tokens[0].Value)

	m.TokenIn(token.Token{Key: token.KeyResponseAddressInUse, Value: int32(candidate)}, 55, rec)

	if m.Address() != 0 {
		t.Fatalf("conflicting AddressInUse should reset address to unassigned")
	}
}

func TestCollisionAfterAssignmentRestarts(t *testing.T) {
	guid := [4]uint32{1, 2, 3, 4}
	m := New(guid, 0, false)
	rec := &recorder{}
	m.Reset(rec)
	now := time.Now()
	m.Clock(now, rec)
	m.Clock(now.Add(ProposalTimeout), rec)
	assigned := m.Address()

	m.TokenIn(token.Token{Key: token.KeyNull}, assigned, rec)

	if m.Address() != 0 {
		t.Fatalf("a frame sourced from our own working address should trigger reassignment")
	}
}

func TestStaticNodeDefendsAddressOnRequestCollision(t *testing.T) {
	m := New([4]uint32{}, 10, true)
	rec := &recorder{}
	m.Reset(rec)
	rec.tokens = nil

	m.TokenIn(token.Token{Key: token.KeyRequestAddress, Value: 10}, 77, rec)

	if len(rec.tokens) != 1 || rec.tokens[0].Key != token.KeyResponseAddressInUse || rec.tokens[0].Value != 10 {
		t.Fatalf("static node should defend its address, got %v", rec.tokens)
	}
	if m.Address() != 10 {
		t.Fatalf("static address must never be relinquished")
	}
}
