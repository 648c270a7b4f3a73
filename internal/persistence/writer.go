package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Flex-Community/perpcore/internal/engine"
)

// SettlementWriter writes settlement records and their legs to Postgres
// using multi-row INSERT batches. Writes are idempotent: replaying a
// batch after a crash hits ON CONFLICT DO NOTHING.
type SettlementWriter struct {
	db *sql.DB
}

// SettlementRow is a row in settlement.records. Fee values are e30 USD
// rendered as decimal strings into NUMERIC columns.
type SettlementRow struct {
	SettlementID    uuid.UUID
	PositionID      []byte
	Account         uuid.UUID
	SubAccountID    int16
	MarketIndex     int32
	TradingFeeE30   string
	BorrowingFeeE30 string
	FundingFeeE30   string
	SettledAt       time.Time
}

// LegRow is a row in settlement.legs, keyed by (settlement_id, leg_index).
type LegRow struct {
	SettlementID uuid.UUID
	LegIndex     int32
	FeeKind      string
	TokenSymbol  string
	Payer        string
	AmountToken  string
	ValueE30     string
}

func NewSettlementWriter(db *sql.DB) *SettlementWriter {
	return &SettlementWriter{db: db}
}

// RowsFromResult flattens a settlement result into its record and leg rows.
func RowsFromResult(res *engine.SettlementResult) (SettlementRow, []LegRow) {
	row := SettlementRow{
		SettlementID:    res.SettlementID,
		PositionID:      res.PositionID[:],
		Account:         res.SubAccount.Account,
		SubAccountID:    int16(res.SubAccount.SubAccountID),
		MarketIndex:     int32(res.MarketIndex),
		TradingFeeE30:   res.TradingFeeE30.String(),
		BorrowingFeeE30: res.BorrowingFeeE30.String(),
		FundingFeeE30:   res.FundingFeeE30.String(),
		SettledAt:       res.SettledAt,
	}
	legs := make([]LegRow, 0, len(res.Legs))
	for i, leg := range res.Legs {
		legs = append(legs, LegRow{
			SettlementID: res.SettlementID,
			LegIndex:     int32(i),
			FeeKind:      leg.Kind,
			TokenSymbol:  leg.TokenSymbol,
			Payer:        leg.Payer,
			AmountToken:  leg.AmountToken.String(),
			ValueE30:     leg.ValueE30.String(),
		})
	}
	return row, legs
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteSettlementBatch writes a batch of settlement records through exec,
// which is either the pool or an open transaction.
func (w *SettlementWriter) WriteSettlementBatch(ctx context.Context, exec execer, rows []SettlementRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.records
		(settlement_id, position_id, account, sub_account_id, market_index,
		 trading_fee_e30, borrowing_fee_e30, funding_fee_e30, settled_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.SettlementID, r.PositionID, r.Account, r.SubAccountID, r.MarketIndex,
			r.TradingFeeE30, r.BorrowingFeeE30, r.FundingFeeE30, r.SettledAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (settlement_id) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// WriteLegBatch writes a batch of settlement legs through exec.
func (w *SettlementWriter) WriteLegBatch(ctx context.Context, exec execer, legs []LegRow) error {
	if len(legs) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.legs
		(settlement_id, leg_index, fee_kind, token_symbol, payer, amount_token, value_e30)
		VALUES `

	values := make([]string, 0, len(legs))
	args := make([]interface{}, 0, len(legs)*7)

	for i, l := range legs {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			l.SettlementID, l.LegIndex, l.FeeKind, l.TokenSymbol,
			l.Payer, l.AmountToken, l.ValueE30,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (settlement_id, leg_index) DO NOTHING"

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}
