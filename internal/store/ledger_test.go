package store_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/Flex-Community/perpcore/internal/auth"
	"github.com/Flex-Community/perpcore/internal/store"
)

const testCred auth.Credential = "test-engine"

func newTestLedger(t *testing.T) *store.Ledger {
	t.Helper()
	reg := auth.NewRegistry()
	reg.Allow(testCred)
	return store.NewLedger(reg)
}

func testSub() store.SubAccount {
	return store.SubAccount{
		Account:      uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		SubAccountID: 1,
	}
}

func TestSubAccount_VerifyOwner(t *testing.T) {
	sub := testSub()

	if err := sub.VerifyOwner(sub.Account); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	other := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	if err := sub.VerifyOwner(other); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}
}

func TestLedger_IncreaseRegistersToken(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	if l.HasToken(sub, "USDC") {
		t.Fatal("token set should start empty")
	}
	if err := l.IncreaseTraderBalance(testCred, sub, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if !l.HasToken(sub, "USDC") {
		t.Error("zero-to-nonzero transition must register the token")
	}
	if got := l.TraderBalance(sub, "USDC"); got.Int64() != 100 {
		t.Errorf("balance: got %s, want 100", got)
	}
}

func TestLedger_DecreaseToZeroDeregisters(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	if err := l.IncreaseTraderBalance(testCred, sub, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("increase: %v", err)
	}
	if err := l.DecreaseTraderBalance(testCred, sub, "USDC", big.NewInt(100)); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if l.HasToken(sub, "USDC") {
		t.Error("nonzero-to-zero transition must deregister the token")
	}
	if got := l.TraderBalance(sub, "USDC"); got.Sign() != 0 {
		t.Errorf("balance after drain: got %s, want 0", got)
	}
}

func TestLedger_PartialDecreaseKeepsToken(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	l.IncreaseTraderBalance(testCred, sub, "USDC", big.NewInt(100))
	if err := l.DecreaseTraderBalance(testCred, sub, "USDC", big.NewInt(40)); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if !l.HasToken(sub, "USDC") {
		t.Error("token with nonzero balance must stay registered")
	}
	if got := l.TraderBalance(sub, "USDC"); got.Int64() != 60 {
		t.Errorf("balance: got %s, want 60", got)
	}
}

func TestLedger_AddTokenTwice(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	if err := l.AddTraderToken(testCred, sub, "WETH"); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := l.AddTraderToken(testCred, sub, "WETH")
	if !errors.Is(err, store.ErrTokenAlreadyRegistered) {
		t.Errorf("got %v, want ErrTokenAlreadyRegistered", err)
	}
}

func TestLedger_RemoveTokenWithBalance(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	l.IncreaseTraderBalance(testCred, sub, "WETH", big.NewInt(1))
	err := l.RemoveTraderToken(testCred, sub, "WETH")
	if !errors.Is(err, store.ErrBalanceNotZero) {
		t.Errorf("got %v, want ErrBalanceNotZero", err)
	}

	err = l.RemoveTraderToken(testCred, sub, "DAI")
	if !errors.Is(err, store.ErrTokenNotRegistered) {
		t.Errorf("got %v, want ErrTokenNotRegistered", err)
	}
}

func TestLedger_DecreaseInsufficient(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	l.IncreaseTraderBalance(testCred, sub, "USDC", big.NewInt(50))
	err := l.DecreaseTraderBalance(testCred, sub, "USDC", big.NewInt(51))
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
	if got := l.TraderBalance(sub, "USDC"); got.Int64() != 50 {
		t.Errorf("failed decrease must not mutate: got %s", got)
	}
}

func TestLedger_NegativeAmountRejected(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	err := l.IncreaseTraderBalance(testCred, sub, "USDC", big.NewInt(-1))
	if !errors.Is(err, store.ErrNegativeAmount) {
		t.Errorf("got %v, want ErrNegativeAmount", err)
	}
	err = l.AddPoolLiquidity(testCred, "USDC", big.NewInt(-1))
	if !errors.Is(err, store.ErrNegativeAmount) {
		t.Errorf("pool: got %v, want ErrNegativeAmount", err)
	}
}

func TestLedger_UnauthorizedCredential(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	err := l.IncreaseTraderBalance("intruder", sub, "USDC", big.NewInt(1))
	if !errors.Is(err, auth.ErrNotWhitelisted) {
		t.Errorf("got %v, want ErrNotWhitelisted", err)
	}
	err = l.AddPoolLiquidityDebt("intruder", big.NewInt(1))
	if !errors.Is(err, auth.ErrNotWhitelisted) {
		t.Errorf("debt: got %v, want ErrNotWhitelisted", err)
	}
}

func TestLedger_PoolBalances(t *testing.T) {
	l := newTestLedger(t)

	l.AddPoolLiquidity(testCred, "USDC", big.NewInt(1000))
	if err := l.RemovePoolLiquidity(testCred, "USDC", big.NewInt(400)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := l.PoolLiquidity("USDC"); got.Int64() != 600 {
		t.Errorf("liquidity: got %s, want 600", got)
	}

	err := l.RemoveFundingReserve(testCred, "USDC", big.NewInt(1))
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Errorf("empty reserve: got %v, want ErrInsufficientBalance", err)
	}

	l.AddProtocolFee(testCred, "USDC", big.NewInt(7))
	l.AddDevFee(testCred, "USDC", big.NewInt(3))
	if l.ProtocolFees("USDC").Int64() != 7 || l.DevFees("USDC").Int64() != 3 {
		t.Error("fee accumulators wrong")
	}
}

func TestLedger_PoolLiquidityDebtClampsAtZero(t *testing.T) {
	l := newTestLedger(t)

	l.AddPoolLiquidityDebt(testCred, big.NewInt(10))
	if err := l.ReducePoolLiquidityDebt(testCred, big.NewInt(25)); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if got := l.PoolLiquidityDebt(); got.Sign() != 0 {
		t.Errorf("debt: got %s, want 0", got)
	}
}

func TestLedger_BalanceCopyIsDefensive(t *testing.T) {
	l := newTestLedger(t)
	sub := testSub()

	l.IncreaseTraderBalance(testCred, sub, "USDC", big.NewInt(100))
	got := l.TraderBalance(sub, "USDC")
	got.SetInt64(0)
	if l.TraderBalance(sub, "USDC").Int64() != 100 {
		t.Error("returned balance must be a copy")
	}
}
