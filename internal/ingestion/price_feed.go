package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/oracle"
)

const priceSubjectPrefix = "vamm.prices."

// priceUpdateJSON is the wire format published by the oracle bridge.
type priceUpdateJSON struct {
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// PriceFeedSubscriber listens for oracle price updates on core NATS and
// pushes them into the static feed the engine reads from. Prices are
// fire-and-forget: a missed update is superseded by the next one, so no
// JetStream durability is needed here.
type PriceFeedSubscriber struct {
	nc   *nats.Conn
	feed *oracle.StaticFeed
	sub  *nats.Subscription
	log  zerolog.Logger
}

func NewPriceFeedSubscriber(nc *nats.Conn, feed *oracle.StaticFeed, log zerolog.Logger) *PriceFeedSubscriber {
	return &PriceFeedSubscriber{
		nc:   nc,
		feed: feed,
		log:  log.With().Str("component", "price_feed").Logger(),
	}
}

// Subscribe starts listening on vamm.prices.>. The price feed key is the
// subject suffix, e.g. vamm.prices.BTC_USD updates key "BTC_USD".
func (ps *PriceFeedSubscriber) Subscribe() error {
	sub, err := ps.nc.Subscribe(priceSubjectPrefix+">", func(msg *nats.Msg) {
		if err := ps.handle(msg.Subject, msg.Data); err != nil {
			ps.log.Warn().Str("subject", msg.Subject).Err(err).Msg("dropping price update")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe prices: %w", err)
	}
	ps.sub = sub
	ps.log.Info().Str("subject", priceSubjectPrefix+">").Msg("price feed subscribed")
	return nil
}

func (ps *PriceFeedSubscriber) handle(subject string, data []byte) error {
	key, ok := strings.CutPrefix(subject, priceSubjectPrefix)
	if !ok || key == "" {
		return fmt.Errorf("subject %q is not a price subject", subject)
	}

	var upd priceUpdateJSON
	if err := json.Unmarshal(data, &upd); err != nil {
		return fmt.Errorf("unmarshal price update: %w", err)
	}

	price, err := fixed.FromString(upd.Price)
	if err != nil {
		return fmt.Errorf("parse price %q: %w", upd.Price, err)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("non-positive price %q", upd.Price)
	}

	ts := upd.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	ps.feed.SetPrice(key, price, ts)
	return nil
}

func (ps *PriceFeedSubscriber) Stop() {
	if ps.sub != nil {
		ps.sub.Unsubscribe()
	}
}
