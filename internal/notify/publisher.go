package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Flex-Community/perpcore/internal/engine"
	"github.com/Flex-Community/perpcore/internal/store"
)

// Publisher publishes committed settlements and liquidation-eligibility
// notices to NATS for downstream consumers. Subjects:
//
//	perp.settlements.{market_index}
//	perp.liquidations.eligible
type Publisher struct {
	js    jetstream.JetStream
	input <-chan *engine.SettlementResult
}

// SettlementEvent is the outbound wire form of a settlement. Big values
// travel as decimal strings.
type SettlementEvent struct {
	SettlementID    uuid.UUID  `json:"settlement_id"`
	Account         uuid.UUID  `json:"account"`
	SubAccountID    uint8      `json:"sub_account_id"`
	MarketIndex     int        `json:"market_index"`
	TradingFeeE30   string     `json:"trading_fee_e30"`
	BorrowingFeeE30 string     `json:"borrowing_fee_e30"`
	FundingFeeE30   string     `json:"funding_fee_e30"`
	Legs            []LegEvent `json:"legs"`
	SettledAt       time.Time  `json:"settled_at"`
}

type LegEvent struct {
	Kind        string `json:"kind"`
	TokenSymbol string `json:"token_symbol"`
	Payer       string `json:"payer"`
	AmountToken string `json:"amount_token"`
	ValueE30    string `json:"value_e30"`
}

// LiquidationNotice flags a sub-account whose equity fell under its
// maintenance margin requirement.
type LiquidationNotice struct {
	Account      uuid.UUID `json:"account"`
	SubAccountID uint8     `json:"sub_account_id"`
	EquityE30    string    `json:"equity_e30"`
	MMRE30       string    `json:"mmr_e30"`
	ObservedAt   time.Time `json:"observed_at"`
}

func NewPublisher(js jetstream.JetStream, input <-chan *engine.SettlementResult) *Publisher {
	return &Publisher{js: js, input: input}
}

// Run drains the settlement channel and publishes each record. Publish
// failures are non-fatal: the settlement journal in Postgres remains the
// source of truth.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res, ok := <-p.input:
			if !ok {
				return nil
			}

			if err := p.publishSettlement(ctx, res); err != nil {
				log.Printf("WARN: settlement publish failed id=%s: %v", res.SettlementID, err)
			}
		}
	}
}

func (p *Publisher) publishSettlement(ctx context.Context, res *engine.SettlementResult) error {
	evt := SettlementEvent{
		SettlementID:    res.SettlementID,
		Account:         res.SubAccount.Account,
		SubAccountID:    res.SubAccount.SubAccountID,
		MarketIndex:     res.MarketIndex,
		TradingFeeE30:   res.TradingFeeE30.String(),
		BorrowingFeeE30: res.BorrowingFeeE30.String(),
		FundingFeeE30:   res.FundingFeeE30.String(),
		SettledAt:       res.SettledAt,
	}
	for _, leg := range res.Legs {
		evt.Legs = append(evt.Legs, LegEvent{
			Kind:        leg.Kind,
			TokenSymbol: leg.TokenSymbol,
			Payer:       leg.Payer,
			AmountToken: leg.AmountToken.String(),
			ValueE30:    leg.ValueE30.String(),
		})
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}

	subject := fmt.Sprintf("perp.settlements.%d", res.MarketIndex)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// PublishLiquidationNotice flags sub as liquidation-eligible.
func (p *Publisher) PublishLiquidationNotice(ctx context.Context, sub store.SubAccount, equityE30, mmrE30 string) error {
	data, err := json.Marshal(LiquidationNotice{
		Account:      sub.Account,
		SubAccountID: sub.SubAccountID,
		EquityE30:    equityE30,
		MMRE30:       mmrE30,
		ObservedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal liquidation notice: %w", err)
	}
	_, err = p.js.Publish(ctx, "perp.liquidations.eligible", data)
	return err
}

// EnsureStream creates the outbound settlements stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_SETTLEMENTS",
		Subjects:  []string{"perp.settlements.>", "perp.liquidations.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create settlements stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream PERP_SETTLEMENTS")
	return nil
}
