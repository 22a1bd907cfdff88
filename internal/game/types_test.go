package game

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewRound_DefaultsToBetting(t *testing.T) {
	r := newRound(1, "round-1", "seed", "hash", decimal.NewFromFloat(3.5))
	if r.state() != StateBetting {
		t.Errorf("state() = %s, want %s", r.state(), StateBetting)
	}
	if !r.PeakMultiplier.Equal(decimal.NewFromInt(1)) {
		t.Errorf("PeakMultiplier = %s, want 1", r.PeakMultiplier)
	}
}

func TestRound_SetState(t *testing.T) {
	r := newRound(1, "round-1", "seed", "hash", decimal.NewFromFloat(3.5))
	r.setState(StateLive)
	if r.state() != StateLive {
		t.Errorf("state() = %s, want %s", r.state(), StateLive)
	}
}

func TestRound_AppendAndOpenWager(t *testing.T) {
	r := newRound(1, "round-1", "seed", "hash", decimal.NewFromFloat(3.5))
	w := &Wager{ID: "w-1", PlayerID: "alice"}
	r.appendWager(w)

	got, ok := r.openWager("alice")
	if !ok || got.ID != "w-1" {
		t.Fatalf("openWager(alice) = %+v, %v", got, ok)
	}
	if !r.hasWager("alice") {
		t.Error("hasWager(alice) = false, want true")
	}
	if r.hasWager("bob") {
		t.Error("hasWager(bob) = true, want false")
	}
}

func TestRound_OpenWager_ExcludesCashedOut(t *testing.T) {
	r := newRound(1, "round-1", "seed", "hash", decimal.NewFromFloat(3.5))
	r.appendWager(&Wager{ID: "w-1", PlayerID: "alice", CashedOut: true})

	if _, ok := r.openWager("alice"); ok {
		t.Error("openWager returned a wager that already cashed out")
	}
	if !r.hasWager("alice") {
		t.Error("hasWager should still report true for a cashed-out wager")
	}
}

func TestRound_OpenWagers(t *testing.T) {
	r := newRound(1, "round-1", "seed", "hash", decimal.NewFromFloat(3.5))
	r.appendWager(&Wager{ID: "w-1", PlayerID: "alice"})
	r.appendWager(&Wager{ID: "w-2", PlayerID: "bob", CashedOut: true})
	r.appendWager(&Wager{ID: "w-3", PlayerID: "carol"})

	open := r.openWagers()
	if len(open) != 2 {
		t.Fatalf("openWagers() returned %d wagers, want 2", len(open))
	}
}

func TestRound_BumpPeak(t *testing.T) {
	r := newRound(1, "round-1", "seed", "hash", decimal.NewFromFloat(3.5))
	r.bumpPeak(decimal.NewFromFloat(2.0))
	r.bumpPeak(decimal.NewFromFloat(1.5))

	if !r.PeakMultiplier.Equal(decimal.NewFromFloat(2.0)) {
		t.Errorf("PeakMultiplier = %s, want 2.0 (should never decrease)", r.PeakMultiplier)
	}
}

func TestRound_Snapshot(t *testing.T) {
	r := newRound(7, "round-7", "seed", "hash-value", decimal.NewFromFloat(3.5))
	r.appendWager(&Wager{ID: "w-1", PlayerID: "alice"})

	snap := r.snapshot()
	if snap.RoundID != "round-7" || snap.WagerCount != 1 || snap.Hash != "hash-value" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.State != StateBetting {
		t.Errorf("State = %s, want %s", snap.State, StateBetting)
	}
}
