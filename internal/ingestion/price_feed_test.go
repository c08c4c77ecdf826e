package ingestion

import (
	"testing"

	"github.com/rs/zerolog"

	"PerpVamm/internal/fixed"
	"PerpVamm/internal/oracle"
)

func TestPriceFeedHandle(t *testing.T) {
	feed := oracle.NewStaticFeed()
	ps := NewPriceFeedSubscriber(nil, feed, zerolog.Nop())

	err := ps.handle("vamm.prices.ETH_USD", []byte(`{"price":"2001.25","timestamp":1700000000}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	price, err := feed.GetPrice("ETH_USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if !price.Equal(fixed.MustFromString("2001.25")) {
		t.Errorf("price = %s, want 2001.25", price)
	}

	ts, err := feed.GetLatestTimestamp("ETH_USD")
	if err != nil {
		t.Fatalf("GetLatestTimestamp: %v", err)
	}
	if ts != 1700000000 {
		t.Errorf("timestamp = %d, want 1700000000", ts)
	}
}

func TestPriceFeedHandleRejectsBadInput(t *testing.T) {
	feed := oracle.NewStaticFeed()
	ps := NewPriceFeedSubscriber(nil, feed, zerolog.Nop())

	tests := []struct {
		name    string
		subject string
		data    string
	}{
		{"wrong prefix", "vamm.cmd.ETH_USD", `{"price":"2000"}`},
		{"empty key", "vamm.prices.", `{"price":"2000"}`},
		{"bad json", "vamm.prices.ETH_USD", `{`},
		{"bad price", "vamm.prices.ETH_USD", `{"price":"abc"}`},
		{"zero price", "vamm.prices.ETH_USD", `{"price":"0"}`},
		{"negative price", "vamm.prices.ETH_USD", `{"price":"-5"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ps.handle(tc.subject, []byte(tc.data)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	if _, err := feed.GetPrice("ETH_USD"); err == nil {
		t.Error("feed was updated by a rejected message")
	}
}

func TestPriceFeedHandleDefaultsTimestamp(t *testing.T) {
	feed := oracle.NewStaticFeed()
	ps := NewPriceFeedSubscriber(nil, feed, zerolog.Nop())

	if err := ps.handle("vamm.prices.BTC_USD", []byte(`{"price":"30000"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ts, err := feed.GetLatestTimestamp("BTC_USD")
	if err != nil {
		t.Fatalf("GetLatestTimestamp: %v", err)
	}
	if ts == 0 {
		t.Error("timestamp not defaulted to now")
	}
}
