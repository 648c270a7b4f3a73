package store

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"github.com/Flex-Community/perpcore/internal/auth"
	"github.com/Flex-Community/perpcore/internal/fixed"
)

var (
	ErrTokenAlreadyRegistered = errors.New("token already registered for sub-account")
	ErrBalanceNotZero         = errors.New("token balance is not zero")
	ErrTokenNotRegistered     = errors.New("token not registered for sub-account")
	ErrNegativeAmount         = errors.New("amount must not be negative")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrNotOwner               = errors.New("caller does not own the sub-account")
)

// SubAccount identifies a trader's margin account: a primary account plus a
// sub-account index.
type SubAccount struct {
	Account      uuid.UUID
	SubAccountID uint8
}

func (s SubAccount) String() string {
	return fmt.Sprintf("%s/%d", s.Account, s.SubAccountID)
}

// VerifyOwner gates trader-initiated operations (deposits, withdrawals,
// position requests) on the sub-account's primary account. Service
// credentials bypass this through the Registry instead.
func (s SubAccount) VerifyOwner(account uuid.UUID) error {
	if account != s.Account {
		return ErrNotOwner
	}
	return nil
}

type traderKey struct {
	sub   SubAccount
	token string
}

// Ledger holds every per-token balance in the system: trader collateral,
// pooled liquidity, protocol and dev fee accumulators, the pool's funding
// fee reserve, and the pool liquidity debt counter. Pure bookkeeping — fee
// math lives in the engine package.
//
// Invariant: a token appears in a sub-account's token set iff its balance is
// nonzero. AddTraderToken and RemoveTraderToken enforce this; the balance
// mutators maintain it automatically.
type Ledger struct {
	mu   sync.RWMutex
	auth *auth.Registry

	balances map[traderKey]*big.Int
	// tokens + tokenIdx give O(1) membership and amortized O(1)
	// swap-removal per sub-account.
	tokens   map[SubAccount][]string
	tokenIdx map[SubAccount]map[string]int

	poolLiquidity  map[string]*big.Int
	protocolFees   map[string]*big.Int
	devFees        map[string]*big.Int
	fundingReserve map[string]*big.Int

	// poolLiquidityDebtE30 tracks fee value (USD e30) the pool owes traders
	// but paid out of pooled liquidity instead of the funding reserve.
	poolLiquidityDebtE30 *big.Int
}

func NewLedger(reg *auth.Registry) *Ledger {
	return &Ledger{
		auth:                 reg,
		balances:             make(map[traderKey]*big.Int),
		tokens:               make(map[SubAccount][]string),
		tokenIdx:             make(map[SubAccount]map[string]int),
		poolLiquidity:        make(map[string]*big.Int),
		protocolFees:         make(map[string]*big.Int),
		devFees:              make(map[string]*big.Int),
		fundingReserve:       make(map[string]*big.Int),
		poolLiquidityDebtE30: new(big.Int),
	}
}

// === Trader balances ===

// TraderBalance returns the sub-account's balance in token (zero if absent).
func (l *Ledger) TraderBalance(sub SubAccount, token string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.Clone(l.balances[traderKey{sub, token}])
}

// TraderTokens returns the tokens currently held by the sub-account.
func (l *Ledger) TraderTokens(sub SubAccount) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.tokens[sub]))
	copy(out, l.tokens[sub])
	return out
}

// HasToken reports token-set membership for the sub-account.
func (l *Ledger) HasToken(sub SubAccount, token string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tokenIdx[sub][token]
	return ok
}

// AddTraderToken registers a token in the sub-account's token set. Fails if
// the token is already registered — callers must not double-register.
func (l *Ledger) AddTraderToken(cred auth.Credential, sub SubAccount, token string) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addTokenLocked(sub, token)
}

// RemoveTraderToken removes a token from the set. Fails if the balance is
// still nonzero — the set must mirror nonzero balances exactly.
func (l *Ledger) RemoveTraderToken(cred auth.Credential, sub SubAccount, token string) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeTokenLocked(sub, token)
}

func (l *Ledger) addTokenLocked(sub SubAccount, token string) error {
	idx, ok := l.tokenIdx[sub]
	if !ok {
		idx = make(map[string]int)
		l.tokenIdx[sub] = idx
	}
	if _, exists := idx[token]; exists {
		return fmt.Errorf("%w: %s on %s", ErrTokenAlreadyRegistered, token, sub)
	}
	idx[token] = len(l.tokens[sub])
	l.tokens[sub] = append(l.tokens[sub], token)
	return nil
}

func (l *Ledger) removeTokenLocked(sub SubAccount, token string) error {
	idx, ok := l.tokenIdx[sub]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrTokenNotRegistered, token, sub)
	}
	pos, exists := idx[token]
	if !exists {
		return fmt.Errorf("%w: %s on %s", ErrTokenNotRegistered, token, sub)
	}
	if bal := l.balances[traderKey{sub, token}]; bal != nil && bal.Sign() != 0 {
		return fmt.Errorf("%w: %s on %s", ErrBalanceNotZero, token, sub)
	}

	// Swap-remove to keep removal O(1).
	list := l.tokens[sub]
	last := len(list) - 1
	if pos != last {
		list[pos] = list[last]
		idx[list[pos]] = pos
	}
	l.tokens[sub] = list[:last]
	delete(idx, token)
	return nil
}

// IncreaseTraderBalance credits amount (must be >= 0) to the sub-account,
// registering the token in the set on a zero-to-nonzero transition.
func (l *Ledger) IncreaseTraderBalance(cred auth.Credential, sub SubAccount, token string, amount *big.Int) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := traderKey{sub, token}
	cur := l.balances[key]
	if cur == nil || cur.Sign() == 0 {
		if _, exists := l.tokenIdx[sub][token]; !exists {
			if err := l.addTokenLocked(sub, token); err != nil {
				return err
			}
		}
		l.balances[key] = fixed.Clone(amount)
		return nil
	}
	l.balances[key] = new(big.Int).Add(cur, amount)
	return nil
}

// DecreaseTraderBalance debits amount (must be >= 0 and <= balance),
// deregistering the token on a nonzero-to-zero transition.
func (l *Ledger) DecreaseTraderBalance(cred auth.Credential, sub SubAccount, token string, amount *big.Int) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := traderKey{sub, token}
	cur := l.balances[key]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s %s have=%s need=%s", ErrInsufficientBalance, sub, token, cur, amount)
	}
	next := new(big.Int).Sub(cur, amount)
	if next.Sign() == 0 {
		delete(l.balances, key)
		if err := l.removeTokenLocked(sub, token); err != nil {
			return err
		}
		return nil
	}
	l.balances[key] = next
	return nil
}

// === Pool balances ===

// PoolLiquidity returns the pooled liquidity amount for token.
func (l *Ledger) PoolLiquidity(token string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.Clone(l.poolLiquidity[token])
}

// ProtocolFees returns the accumulated protocol fees for token.
func (l *Ledger) ProtocolFees(token string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.Clone(l.protocolFees[token])
}

// DevFees returns the accumulated dev fees for token.
func (l *Ledger) DevFees(token string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.Clone(l.devFees[token])
}

// FundingReserve returns the pool's funding fee reserve for token.
func (l *Ledger) FundingReserve(token string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.Clone(l.fundingReserve[token])
}

// PoolLiquidityDebt returns the outstanding pool liquidity debt (USD e30).
func (l *Ledger) PoolLiquidityDebt() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.Clone(l.poolLiquidityDebtE30)
}

func (l *Ledger) AddPoolLiquidity(cred auth.Credential, token string, amount *big.Int) error {
	return l.addPool(cred, l.poolLiquidity, token, amount)
}

func (l *Ledger) RemovePoolLiquidity(cred auth.Credential, token string, amount *big.Int) error {
	return l.subPool(cred, l.poolLiquidity, "pool liquidity", token, amount)
}

func (l *Ledger) AddProtocolFee(cred auth.Credential, token string, amount *big.Int) error {
	return l.addPool(cred, l.protocolFees, token, amount)
}

func (l *Ledger) AddDevFee(cred auth.Credential, token string, amount *big.Int) error {
	return l.addPool(cred, l.devFees, token, amount)
}

func (l *Ledger) AddFundingReserve(cred auth.Credential, token string, amount *big.Int) error {
	return l.addPool(cred, l.fundingReserve, token, amount)
}

func (l *Ledger) RemoveFundingReserve(cred auth.Credential, token string, amount *big.Int) error {
	return l.subPool(cred, l.fundingReserve, "funding reserve", token, amount)
}

// AddPoolLiquidityDebt records USD value the pool paid out of liquidity on
// behalf of the funding reserve.
func (l *Ledger) AddPoolLiquidityDebt(cred auth.Credential, valueE30 *big.Int) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	if valueE30.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, valueE30)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poolLiquidityDebtE30.Add(l.poolLiquidityDebtE30, valueE30)
	return nil
}

// ReducePoolLiquidityDebt repays debt, clamping at zero.
func (l *Ledger) ReducePoolLiquidityDebt(cred auth.Credential, valueE30 *big.Int) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	if valueE30.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, valueE30)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poolLiquidityDebtE30.Sub(l.poolLiquidityDebtE30, valueE30)
	if l.poolLiquidityDebtE30.Sign() < 0 {
		l.poolLiquidityDebtE30.SetInt64(0)
	}
	return nil
}

func (l *Ledger) addPool(cred auth.Credential, m map[string]*big.Int, token string, amount *big.Int) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := m[token]
	if cur == nil {
		m[token] = fixed.Clone(amount)
		return nil
	}
	m[token] = new(big.Int).Add(cur, amount)
	return nil
}

func (l *Ledger) subPool(cred auth.Credential, m map[string]*big.Int, what, token string, amount *big.Int) error {
	if err := l.auth.Check(cred); err != nil {
		return err
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: %s", ErrNegativeAmount, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := m[token]
	if cur == nil || cur.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s %s have=%s need=%s", ErrInsufficientBalance, what, token, cur, amount)
	}
	m[token] = new(big.Int).Sub(cur, amount)
	return nil
}
