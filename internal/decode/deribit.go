package decode

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

// DeribitDecoder handles the JSON-RPC book channel: snapshot/change
// notifications chained by change_id/prev_change_id.
type DeribitDecoder struct{}

type deribitFrame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params deribitParams   `json:"params"`
}

type deribitParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type deribitBookData struct {
	Type         string              `json:"type"`
	Timestamp    int64               `json:"timestamp"`
	Instrument   string              `json:"instrument_name"`
	ChangeID     uint64              `json:"change_id"`
	PrevChangeID uint64              `json:"prev_change_id"`
	Bids         [][]json.RawMessage `json:"bids"`
	Asks         [][]json.RawMessage `json:"asks"`
}

func (d *DeribitDecoder) Exchange() schema.Exchange { return schema.ExchangeDeribit }

func (d *DeribitDecoder) Decode(frame []byte) ([]*schema.Update, error) {
	var envelope deribitFrame
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New(string(schema.ExchangeDeribit), errs.CodeDecodeMalformed, errs.WithCause(err))
	}
	// RPC responses and heartbeats are handled by the transport layer
	if len(envelope.ID) > 0 || envelope.Method != "subscription" {
		return nil, nil
	}
	if !strings.HasPrefix(envelope.Params.Channel, "book.") {
		return nil, errs.New(string(schema.ExchangeDeribit), errs.CodeDecodeUnrecognized,
			errs.WithMessage("channel "+envelope.Params.Channel))
	}

	var data deribitBookData
	if err := json.Unmarshal(envelope.Params.Data, &data); err != nil {
		return nil, errs.New(string(schema.ExchangeDeribit), errs.CodeDecodeMalformed, errs.WithCause(err))
	}
	symbol, marketType := canonicalFromInstrument(data.Instrument)

	bids, err := parseDeribitLevels(data.Bids)
	if err != nil {
		return nil, errs.New(string(schema.ExchangeDeribit), errs.CodeDecodeMalformed,
			errs.WithSymbol(symbol), errs.WithCause(err))
	}
	asks, err := parseDeribitLevels(data.Asks)
	if err != nil {
		return nil, errs.New(string(schema.ExchangeDeribit), errs.CodeDecodeMalformed,
			errs.WithSymbol(symbol), errs.WithCause(err))
	}

	u := &schema.Update{
		Exchange:      schema.ExchangeDeribit,
		MarketType:    marketType,
		Symbol:        symbol,
		FirstUpdateID: data.ChangeID,
		LastUpdateID:  data.ChangeID,
		BidDeltas:     bids,
		AskDeltas:     asks,
		IsSnapshot:    data.Type == "snapshot",
		EventTime:     time.UnixMilli(data.Timestamp),
	}
	if data.PrevChangeID > 0 {
		u.PrevUpdateID = data.PrevChangeID
		u.HasPrev = true
	}
	return []*schema.Update{u}, nil
}

// parseDeribitLevels converts [action, price, amount] triples. Prices and
// amounts arrive as JSON numbers; parsing the raw token keeps them exact.
func parseDeribitLevels(entries [][]json.RawMessage) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(entries))
	for _, entry := range entries {
		if len(entry) != 3 {
			return nil, errs.New(string(schema.ExchangeDeribit), errs.CodeDecodeMalformed,
				errs.WithMessage("book entry is not an [action, price, amount] triple"))
		}
		var action string
		if err := json.Unmarshal(entry[0], &action); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(string(entry[1]))
		if err != nil {
			return nil, err
		}
		qty := decimal.Zero
		if action != "delete" {
			if qty, err = decimal.NewFromString(string(entry[2])); err != nil {
				return nil, err
			}
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func (d *DeribitDecoder) NativeSymbol(symbol string, marketType schema.MarketType) string {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	if marketType == schema.MarketPerpetual {
		if base, ok := strings.CutSuffix(upper, "-USD"); ok {
			return base + "-PERPETUAL"
		}
	}
	return upper
}

type deribitSubscribe struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      int                   `json:"id"`
	Method  string                `json:"method"`
	Params  deribitSubscribeParam `json:"params"`
}

type deribitSubscribeParam struct {
	Channels []string `json:"channels"`
}

func (d *DeribitDecoder) SubscribeFrames(symbols []string, marketType schema.MarketType) ([][]byte, error) {
	channels := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		channels = append(channels, "book."+d.NativeSymbol(symbol, marketType)+".100ms")
	}
	frame, err := json.Marshal(deribitSubscribe{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "public/subscribe",
		Params:  deribitSubscribeParam{Channels: channels},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// canonicalFromInstrument maps BTC-PERPETUAL to (BTC-USD, perpetual). Other
// instruments (dated futures, options) keep their native name.
func canonicalFromInstrument(instrument string) (string, schema.MarketType) {
	upper := strings.ToUpper(strings.TrimSpace(instrument))
	if base, ok := strings.CutSuffix(upper, "-PERPETUAL"); ok {
		return base + "-USD", schema.MarketPerpetual
	}
	return upper, schema.MarketOption
}
