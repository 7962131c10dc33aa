package decode

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

// BinanceDecoder handles both the spot and USD-M futures depth dialects. The
// two share framing; futures adds the pu previous-final-id field.
type BinanceDecoder struct {
	exchange   schema.Exchange
	marketType schema.MarketType
	futures    bool
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	ID     json.RawMessage `json:"id"`
}

type binanceDepthUpdate struct {
	EventType     string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID uint64     `json:"U"`
	FinalUpdateID uint64     `json:"u"`
	PrevFinalID   uint64     `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

func (d *BinanceDecoder) Exchange() schema.Exchange { return d.exchange }

func (d *BinanceDecoder) Decode(frame []byte) ([]*schema.Update, error) {
	var envelope binanceEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New(string(d.exchange), errs.CodeDecodeMalformed, errs.WithCause(err))
	}
	// subscription acks carry an id and a null result
	if len(envelope.ID) > 0 {
		return nil, nil
	}
	data := envelope.Data
	if len(data) == 0 {
		// raw (non-combined) stream frame
		data = frame
	}

	var payload binanceDepthUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errs.New(string(d.exchange), errs.CodeDecodeMalformed, errs.WithCause(err))
	}
	if payload.EventType == "" {
		return nil, nil
	}
	if !strings.EqualFold(payload.EventType, "depthUpdate") {
		return nil, errs.New(string(d.exchange), errs.CodeDecodeUnrecognized,
			errs.WithMessage("event "+payload.EventType))
	}
	symbol := canonicalFromConcat(payload.Symbol)
	if symbol == "" {
		return nil, errs.New(string(d.exchange), errs.CodeDecodeMalformed,
			errs.WithMessage("depth update without symbol"))
	}

	bids, err := parseLevels(payload.Bids)
	if err != nil {
		return nil, errs.New(string(d.exchange), errs.CodeDecodeMalformed,
			errs.WithSymbol(symbol), errs.WithCause(err))
	}
	asks, err := parseLevels(payload.Asks)
	if err != nil {
		return nil, errs.New(string(d.exchange), errs.CodeDecodeMalformed,
			errs.WithSymbol(symbol), errs.WithCause(err))
	}

	u := &schema.Update{
		Exchange:      d.exchange,
		MarketType:    d.marketType,
		Symbol:        symbol,
		FirstUpdateID: payload.FirstUpdateID,
		LastUpdateID:  payload.FinalUpdateID,
		BidDeltas:     bids,
		AskDeltas:     asks,
		EventTime:     time.UnixMilli(payload.EventTime),
	}
	if d.futures {
		u.PrevUpdateID = payload.PrevFinalID
		u.HasPrev = true
	}
	return []*schema.Update{u}, nil
}

func (d *BinanceDecoder) NativeSymbol(symbol string, _ schema.MarketType) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

type binanceSubscribe struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (d *BinanceDecoder) SubscribeFrames(symbols []string, marketType schema.MarketType) ([][]byte, error) {
	params := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		stream := strings.ToLower(d.NativeSymbol(symbol, marketType)) + "@depth@100ms"
		params = append(params, stream)
	}
	frame, err := json.Marshal(binanceSubscribe{Method: "SUBSCRIBE", Params: params, ID: 1})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}
