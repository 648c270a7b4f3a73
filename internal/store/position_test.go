package store_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/Flex-Community/perpcore/internal/auth"
	"github.com/Flex-Community/perpcore/internal/fixed"
	"github.com/Flex-Community/perpcore/internal/store"
)

func newTestPositionStore(t *testing.T) *store.PositionStore {
	t.Helper()
	reg := auth.NewRegistry()
	reg.Allow(testCred)
	return store.NewPositionStore(reg)
}

func newTestPosition(sub store.SubAccount, market int, sizeUSD int64) *store.Position {
	return &store.Position{
		PrimaryAccount:     sub.Account,
		SubAccountID:       sub.SubAccountID,
		MarketIndex:        market,
		SizeE30:            fixed.USD(sizeUSD),
		AvgEntryPriceE30:   fixed.USD(2000),
		EntryBorrowingRate: new(big.Int),
		EntryFundingRate:   new(big.Int),
		ReserveValueE30:    new(big.Int),
		RealizedPnlE30:     new(big.Int),
		OpenInterestE30:    new(big.Int),
	}
}

func TestPositionID_Deterministic(t *testing.T) {
	sub := testSub()
	a := store.PositionID(sub, 0)
	b := store.PositionID(sub, 0)
	if a != b {
		t.Error("same inputs must derive the same id")
	}
	if a == store.PositionID(sub, 1) {
		t.Error("different markets must derive different ids")
	}
	other := store.SubAccount{Account: sub.Account, SubAccountID: 2}
	if a == store.PositionID(other, 0) {
		t.Error("different sub-accounts must derive different ids")
	}
}

func TestPositionStore_SaveAndGet(t *testing.T) {
	ps := newTestPositionStore(t)
	sub := testSub()
	pos := newTestPosition(sub, 0, 10_000)

	if err := ps.SavePosition(testCred, pos); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok := ps.GetPosition(store.PositionID(sub, 0))
	if !ok {
		t.Fatal("position not found after save")
	}
	if got.SizeE30.Cmp(pos.SizeE30) != 0 {
		t.Errorf("size: got %s, want %s", got.SizeE30, pos.SizeE30)
	}
	if !got.IsLong() {
		t.Error("positive size must be long")
	}

	// Mutating the returned copy must not leak into the store.
	got.SizeE30.SetInt64(0)
	again, _ := ps.GetPosition(store.PositionID(sub, 0))
	if again.SizeE30.Sign() == 0 {
		t.Error("store must return defensive copies")
	}
}

func TestPositionStore_ZeroSizeDeletes(t *testing.T) {
	ps := newTestPositionStore(t)
	sub := testSub()

	ps.SavePosition(testCred, newTestPosition(sub, 0, 10_000))
	if !ps.HasActivePositions(sub) {
		t.Fatal("expected active position")
	}

	closed := newTestPosition(sub, 0, 0)
	if err := ps.SavePosition(testCred, closed); err != nil {
		t.Fatalf("save closed: %v", err)
	}
	if _, ok := ps.GetPosition(store.PositionID(sub, 0)); ok {
		t.Error("zero-size save must delete the record")
	}
	if ps.HasActivePositions(sub) {
		t.Error("sub-account must leave the active set with its last position")
	}
}

func TestPositionStore_ActiveSets(t *testing.T) {
	ps := newTestPositionStore(t)
	sub := testSub()
	other := store.SubAccount{Account: uuid.New(), SubAccountID: 0}

	ps.SavePosition(testCred, newTestPosition(sub, 0, 10_000))
	ps.SavePosition(testCred, newTestPosition(sub, 1, -5_000))
	ps.SavePosition(testCred, newTestPosition(other, 0, 1_000))

	if got := len(ps.ActivePositions()); got != 3 {
		t.Errorf("active positions: got %d, want 3", got)
	}
	if got := len(ps.ActiveSubAccounts()); got != 2 {
		t.Errorf("active sub-accounts: got %d, want 2", got)
	}
	if got := len(ps.PositionsBySubAccount(sub)); got != 2 {
		t.Errorf("positions for sub: got %d, want 2", got)
	}

	if err := ps.RemovePosition(testCred, sub, 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(ps.PositionsBySubAccount(sub)); got != 1 {
		t.Errorf("after remove: got %d, want 1", got)
	}
}

func TestPositionStore_MarketState(t *testing.T) {
	ps := newTestPositionStore(t)

	ms := ps.MarketState(0)
	if ms.LongSizeE30.Sign() != 0 || ms.AccumFundingLong.Sign() != 0 {
		t.Error("first access must return zero state")
	}

	ms.LongSizeE30 = fixed.USD(500)
	ms.AccumFundingLong = big.NewInt(42)
	if err := ps.SaveMarketState(testCred, ms); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := ps.MarketState(0)
	if got.LongSizeE30.Cmp(fixed.USD(500)) != 0 || got.AccumFundingLong.Int64() != 42 {
		t.Error("saved market state not round-tripped")
	}
}

func TestPositionStore_AssetClassState(t *testing.T) {
	ps := newTestPositionStore(t)

	ac := ps.AssetClassState(0)
	ac.SumBorrowingRate = big.NewInt(7)
	ac.ReserveValueE30 = fixed.USD(1000)
	if err := ps.SaveAssetClassState(testCred, ac); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := ps.AssetClassState(0)
	if got.SumBorrowingRate.Int64() != 7 || got.ReserveValueE30.Cmp(fixed.USD(1000)) != 0 {
		t.Error("saved asset class state not round-tripped")
	}
}

func TestPositionStore_UnauthorizedCredential(t *testing.T) {
	ps := newTestPositionStore(t)
	sub := testSub()

	err := ps.SavePosition("intruder", newTestPosition(sub, 0, 1))
	if !errors.Is(err, auth.ErrNotWhitelisted) {
		t.Errorf("got %v, want ErrNotWhitelisted", err)
	}
}
