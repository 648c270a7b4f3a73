package store

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Flex-Community/perpcore/internal/auth"
	"github.com/Flex-Community/perpcore/internal/fixed"
)

// PositionID derives the stable key for a (sub-account, market) pair.
func PositionID(sub SubAccount, marketIndex int) [32]byte {
	h := sha256.New()
	h.Write(sub.Account[:])
	h.Write([]byte{sub.SubAccountID})
	var mkt [8]byte
	binary.LittleEndian.PutUint64(mkt[:], uint64(marketIndex))
	h.Write(mkt[:])
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// Position is an open leveraged position. SizeE30 is signed USD notional at
// e30 scale: positive long, negative short. A position with zero size is
// logically absent — SavePosition deletes it and drops it from all indexes.
type Position struct {
	PrimaryAccount uuid.UUID
	SubAccountID   uint8
	MarketIndex    int

	SizeE30          *big.Int
	AvgEntryPriceE30 *big.Int

	// Entry-rate snapshots, re-snapshotted to the current global
	// accumulators on every size change. Fee accrued since entry is
	// (current accumulator) - (snapshot).
	EntryBorrowingRate *big.Int
	EntryFundingRate   *big.Int

	ReserveValueE30     *big.Int
	LastIncreasedAt     time.Time
	RealizedPnlE30      *big.Int
	OpenInterestE30     *big.Int
}

// SubAccount returns the owning sub-account.
func (p *Position) SubAccount() SubAccount {
	return SubAccount{Account: p.PrimaryAccount, SubAccountID: p.SubAccountID}
}

// IsLong reports the position direction.
func (p *Position) IsLong() bool {
	return p.SizeE30.Sign() > 0
}

func (p *Position) clone() *Position {
	out := *p
	out.SizeE30 = fixed.Clone(p.SizeE30)
	out.AvgEntryPriceE30 = fixed.Clone(p.AvgEntryPriceE30)
	out.EntryBorrowingRate = fixed.Clone(p.EntryBorrowingRate)
	out.EntryFundingRate = fixed.Clone(p.EntryFundingRate)
	out.ReserveValueE30 = fixed.Clone(p.ReserveValueE30)
	out.RealizedPnlE30 = fixed.Clone(p.RealizedPnlE30)
	out.OpenInterestE30 = fixed.Clone(p.OpenInterestE30)
	return &out
}

// MarketState holds the per-market global aggregates. Updated only through
// the rate accumulator and position mutators.
type MarketState struct {
	MarketIndex      int
	LongSizeE30      *big.Int
	ShortSizeE30     *big.Int
	LongAvgPriceE30  *big.Int
	ShortAvgPriceE30 *big.Int

	CurrentFundingRate *big.Int // e18, per interval, signed
	AccumFundingLong   *big.Int // cumulative per-unit accrual for longs
	AccumFundingShort  *big.Int // cumulative per-unit accrual for shorts
	LastFundingAt      time.Time
}

func newMarketState(index int) *MarketState {
	return &MarketState{
		MarketIndex:        index,
		LongSizeE30:        new(big.Int),
		ShortSizeE30:       new(big.Int),
		LongAvgPriceE30:    new(big.Int),
		ShortAvgPriceE30:   new(big.Int),
		CurrentFundingRate: new(big.Int),
		AccumFundingLong:   new(big.Int),
		AccumFundingShort:  new(big.Int),
	}
}

func (m *MarketState) clone() *MarketState {
	out := *m
	out.LongSizeE30 = fixed.Clone(m.LongSizeE30)
	out.ShortSizeE30 = fixed.Clone(m.ShortSizeE30)
	out.LongAvgPriceE30 = fixed.Clone(m.LongAvgPriceE30)
	out.ShortAvgPriceE30 = fixed.Clone(m.ShortAvgPriceE30)
	out.CurrentFundingRate = fixed.Clone(m.CurrentFundingRate)
	out.AccumFundingLong = fixed.Clone(m.AccumFundingLong)
	out.AccumFundingShort = fixed.Clone(m.AccumFundingShort)
	return &out
}

// AssetClassState holds the per-asset-class borrowing aggregates.
type AssetClassState struct {
	AssetClass       int
	SumBorrowingRate *big.Int // cumulative, e18
	ReserveValueE30  *big.Int
	LastBorrowedAt   time.Time
}

func newAssetClassState(index int) *AssetClassState {
	return &AssetClassState{
		AssetClass:       index,
		SumBorrowingRate: new(big.Int),
		ReserveValueE30:  new(big.Int),
	}
}

func (a *AssetClassState) clone() *AssetClassState {
	out := *a
	out.SumBorrowingRate = fixed.Clone(a.SumBorrowingRate)
	out.ReserveValueE30 = fixed.Clone(a.ReserveValueE30)
	return &out
}

// PositionStore owns positions, global market/asset-class state, and the
// active-position/active-account indexes. All mutators are credential-gated.
type PositionStore struct {
	mu   sync.RWMutex
	auth *auth.Registry

	positions map[[32]byte]*Position
	bySub     map[SubAccount]map[[32]byte]struct{}
	markets   map[int]*MarketState
	classes   map[int]*AssetClassState
}

func NewPositionStore(reg *auth.Registry) *PositionStore {
	return &PositionStore{
		auth:      reg,
		positions: make(map[[32]byte]*Position),
		bySub:     make(map[SubAccount]map[[32]byte]struct{}),
		markets:   make(map[int]*MarketState),
		classes:   make(map[int]*AssetClassState),
	}
}

// GetPosition returns a copy of the position, if open.
func (ps *PositionStore) GetPosition(id [32]byte) (*Position, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	pos, ok := ps.positions[id]
	if !ok {
		return nil, false
	}
	return pos.clone(), true
}

// SavePosition writes the position under its derived id. A zero size deletes
// the record and deregisters it; the sub-account leaves the active-account
// set when its last position closes.
func (ps *PositionStore) SavePosition(cred auth.Credential, pos *Position) error {
	if err := ps.auth.Check(cred); err != nil {
		return err
	}
	sub := pos.SubAccount()
	id := PositionID(sub, pos.MarketIndex)

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if pos.SizeE30 == nil || pos.SizeE30.Sign() == 0 {
		ps.deleteLocked(id, sub)
		return nil
	}

	ps.positions[id] = pos.clone()
	set, ok := ps.bySub[sub]
	if !ok {
		set = make(map[[32]byte]struct{})
		ps.bySub[sub] = set
	}
	set[id] = struct{}{}
	return nil
}

// RemovePosition explicitly deletes a position record.
func (ps *PositionStore) RemovePosition(cred auth.Credential, sub SubAccount, marketIndex int) error {
	if err := ps.auth.Check(cred); err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.deleteLocked(PositionID(sub, marketIndex), sub)
	return nil
}

func (ps *PositionStore) deleteLocked(id [32]byte, sub SubAccount) {
	delete(ps.positions, id)
	if set, ok := ps.bySub[sub]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(ps.bySub, sub)
		}
	}
}

// PositionsBySubAccount returns copies of the sub-account's open positions.
func (ps *PositionStore) PositionsBySubAccount(sub SubAccount) []*Position {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*Position, 0, len(ps.bySub[sub]))
	for id := range ps.bySub[sub] {
		out = append(out, ps.positions[id].clone())
	}
	return out
}

// ActivePositions returns copies of every open position.
func (ps *PositionStore) ActivePositions() []*Position {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*Position, 0, len(ps.positions))
	for _, pos := range ps.positions {
		out = append(out, pos.clone())
	}
	return out
}

// ActiveSubAccounts returns every sub-account with at least one open
// position.
func (ps *PositionStore) ActiveSubAccounts() []SubAccount {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]SubAccount, 0, len(ps.bySub))
	for sub := range ps.bySub {
		out = append(out, sub)
	}
	return out
}

// HasActivePositions reports whether the sub-account holds any open
// position.
func (ps *PositionStore) HasActivePositions(sub SubAccount) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.bySub[sub]) > 0
}

// MarketState returns a copy of the market's global state, creating the
// zero-value record on first access.
func (ps *PositionStore) MarketState(marketIndex int) *MarketState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ms, ok := ps.markets[marketIndex]
	if !ok {
		ms = newMarketState(marketIndex)
		ps.markets[marketIndex] = ms
	}
	return ms.clone()
}

// SaveMarketState persists the market's global state.
func (ps *PositionStore) SaveMarketState(cred auth.Credential, ms *MarketState) error {
	if err := ps.auth.Check(cred); err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.markets[ms.MarketIndex] = ms.clone()
	return nil
}

// AssetClassState returns a copy of the asset class's global state.
func (ps *PositionStore) AssetClassState(assetClass int) *AssetClassState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ac, ok := ps.classes[assetClass]
	if !ok {
		ac = newAssetClassState(assetClass)
		ps.classes[assetClass] = ac
	}
	return ac.clone()
}

// SaveAssetClassState persists the asset class's global state.
func (ps *PositionStore) SaveAssetClassState(cred auth.Credential, ac *AssetClassState) error {
	if err := ps.auth.Check(cred); err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.classes[ac.AssetClass] = ac.clone()
	return nil
}
