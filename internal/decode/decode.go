// Package decode normalises venue websocket frames into canonical depth updates.
package decode

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

// Decoder translates one venue's websocket dialect.
type Decoder interface {
	Exchange() schema.Exchange

	// Decode normalises one raw frame into zero or more updates. Control and
	// acknowledgement frames yield (nil, nil).
	Decode(frame []byte) ([]*schema.Update, error)

	// NativeSymbol maps a canonical symbol (BASE-QUOTE) to the venue's
	// instrument identifier.
	NativeSymbol(symbol string, marketType schema.MarketType) string

	// SubscribeFrames builds the subscription payloads for the given symbols.
	SubscribeFrames(symbols []string, marketType schema.MarketType) ([][]byte, error)
}

// ForExchange returns the decoder for the venue.
func ForExchange(exchange schema.Exchange) (Decoder, error) {
	switch exchange {
	case schema.ExchangeBinance:
		return &BinanceDecoder{exchange: schema.ExchangeBinance, marketType: schema.MarketSpot}, nil
	case schema.ExchangeBinanceFutures:
		return &BinanceDecoder{exchange: schema.ExchangeBinanceFutures, marketType: schema.MarketPerpetual, futures: true}, nil
	case schema.ExchangeOKX:
		return &OKXDecoder{}, nil
	case schema.ExchangeDeribit:
		return &DeribitDecoder{}, nil
	default:
		return nil, errs.New(string(exchange), errs.CodeInvalid,
			errs.WithMessage("no decoder for exchange"))
	}
}

// parseLevels converts [["price","qty"],...] string pairs into price levels.
func parseLevels(pairs [][]string) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			return nil, errs.New("", errs.CodeDecodeMalformed,
				errs.WithMessage("price level with fewer than 2 fields"))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// quoteAssets lists the quote currencies recognised when splitting a
// concatenated venue symbol, longest first so USDT wins over USD.
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "USD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// canonicalFromConcat splits BTCUSDT into BTC-USDT. Unsplittable symbols are
// returned unchanged.
func canonicalFromConcat(symbol string) string {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	for _, quote := range quoteAssets {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "-" + quote
		}
	}
	return upper
}
