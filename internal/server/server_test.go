package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/depthstream/depthstream/internal/schema"
)

type stubFleet struct {
	stats   []schema.SymbolStatus
	books   map[string]*schema.Orderbook
	dropped uint64
}

func (s *stubFleet) Stats() []schema.SymbolStatus { return s.stats }

func (s *stubFleet) Get(exchange schema.Exchange, symbol string) *schema.Orderbook {
	return s.books[string(exchange)+"/"+symbol]
}

func (s *stubFleet) PublishDropped() uint64 { return s.dropped }

func testFleet(t *testing.T) *stubFleet {
	t.Helper()
	bid, err := schema.NewPriceLevel("100.5", "2")
	if err != nil {
		t.Fatalf("level: %v", err)
	}
	return &stubFleet{
		stats: []schema.SymbolStatus{
			{Exchange: schema.ExchangeBinance, MarketType: schema.MarketSpot, Symbol: "BTC-USDT", Phase: schema.PhaseReady, LastUpdateID: 42},
			{Exchange: schema.ExchangeOKX, MarketType: schema.MarketPerpetual, Symbol: "ETH-USDT", Phase: schema.PhaseResync},
		},
		books: map[string]*schema.Orderbook{
			"binance/BTC-USDT": {
				Exchange:     schema.ExchangeBinance,
				MarketType:   schema.MarketSpot,
				Symbol:       "BTC-USDT",
				Bids:         []schema.PriceLevel{bid},
				LastUpdateID: 42,
				Timestamp:    time.Now().UTC(),
			},
		},
		dropped: 7,
	}
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, NewHandler(testFleet(t)), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusReportsSymbols(t *testing.T) {
	rec := get(t, NewHandler(testFleet(t)), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Symbols        []schema.SymbolStatus `json:"symbols"`
		Ready          int                   `json:"ready"`
		Total          int                   `json:"total"`
		PublishDropped uint64                `json:"publish_dropped"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || body.Ready != 1 || body.PublishDropped != 7 {
		t.Fatalf("summary = %+v", body)
	}
	if body.Symbols[0].Phase != schema.PhaseReady || body.Symbols[0].LastUpdateID != 42 {
		t.Fatalf("symbol status = %+v", body.Symbols[0])
	}
}

func TestOrderbookSnapshot(t *testing.T) {
	handler := NewHandler(testFleet(t))

	rec := get(t, handler, "/orderbook/binance/BTC-USDT")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var book struct {
		Symbol       string     `json:"symbol"`
		Bids         [][]string `json:"bids"`
		LastUpdateID uint64     `json:"last_update_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &book); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if book.Symbol != "BTC-USDT" || book.LastUpdateID != 42 {
		t.Fatalf("book = %+v", book)
	}
	if len(book.Bids) != 1 || book.Bids[0][0] != "100.5" {
		t.Fatalf("bids = %v", book.Bids)
	}

	if rec := get(t, handler, "/orderbook/binance/DOGE-USDT"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing symbol status = %d", rec.Code)
	}
	if rec := get(t, handler, "/orderbook/kraken/BTC-USDT"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown exchange status = %d", rec.Code)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(testFleet(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
