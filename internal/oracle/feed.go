package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Feed subscribes to the external price publisher over NATS JetStream and
// keeps the PriceCache current. The settlement engine never talks to NATS
// directly; it only reads the cache through the Gateway interface.
type Feed struct {
	js       jetstream.JetStream
	cache    *PriceCache
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

// PriceUpdate is the wire format published on perp.prices.{asset}.
// Prices and confidences are decimal strings at e30 scale; int64 would
// overflow for high-priced assets.
type PriceUpdate struct {
	AssetID       string `json:"asset_id"`
	PriceE30      string `json:"price_e30"`
	ConfidenceE30 string `json:"confidence_e30,omitempty"`
	Status        uint8  `json:"status"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func NewFeed(js jetstream.JetStream, cache *PriceCache, log zerolog.Logger) *Feed {
	return &Feed{js: js, cache: cache, log: log}
}

// EnsureStream creates the price stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_PRICES",
		Subjects:  []string{"perp.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create price stream: %w", err)
	}
	return nil
}

// Subscribe starts consuming price updates. Gaps are tolerated: a missed
// update only widens the staleness window, which GetPrice already enforces.
func (f *Feed) Subscribe(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, "PERP_PRICES", jetstream.ConsumerConfig{
		Durable:       "perpcore-prices",
		FilterSubject: "perp.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := f.apply(msg.Data()); err != nil {
			f.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price update")
			msg.Term()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	f.consumer = cc
	f.log.Info().Msg("subscribed to perp.prices.>")
	return nil
}

func (f *Feed) apply(data []byte) error {
	var upd PriceUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		return fmt.Errorf("unmarshal price update: %w", err)
	}

	price, ok := new(big.Int).SetString(upd.PriceE30, 10)
	if !ok {
		return fmt.Errorf("invalid price %q for %s", upd.PriceE30, upd.AssetID)
	}
	conf := new(big.Int)
	if upd.ConfidenceE30 != "" {
		if _, ok := conf.SetString(upd.ConfidenceE30, 10); !ok {
			return fmt.Errorf("invalid confidence %q for %s", upd.ConfidenceE30, upd.AssetID)
		}
	}

	return f.cache.SetPrice(upd.AssetID, price, conf, MarketStatus(upd.Status), time.UnixMicro(upd.TimestampUs))
}

// Stop halts the consumer.
func (f *Feed) Stop() {
	if f.consumer != nil {
		f.consumer.Stop()
	}
}

// Connect establishes a NATS connection and JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
