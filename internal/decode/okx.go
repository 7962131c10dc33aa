package decode

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/depthstream/depthstream/errs"
	"github.com/depthstream/depthstream/internal/schema"
)

// OKXDecoder handles the OKX books channel: snapshot/update actions with
// seqId/prevSeqId continuity and a top-25 CRC32 checksum per message.
type OKXDecoder struct{}

type okxEnvelope struct {
	Event  string          `json:"event"`
	Arg    okxArg          `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxBookData struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp string     `json:"ts"`
	Checksum  int32      `json:"checksum"`
	PrevSeqID int64      `json:"prevSeqId"`
	SeqID     uint64     `json:"seqId"`
}

func (d *OKXDecoder) Exchange() schema.Exchange { return schema.ExchangeOKX }

func (d *OKXDecoder) Decode(frame []byte) ([]*schema.Update, error) {
	var envelope okxEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, errs.New(string(schema.ExchangeOKX), errs.CodeDecodeMalformed, errs.WithCause(err))
	}
	if envelope.Event != "" {
		// subscribe/unsubscribe acks and error events
		if envelope.Event == "error" {
			return nil, errs.New(string(schema.ExchangeOKX), errs.CodeDecodeUnrecognized,
				errs.WithMessage(string(frame)))
		}
		return nil, nil
	}
	if len(envelope.Data) == 0 {
		return nil, nil
	}
	if envelope.Arg.Channel != "books" {
		return nil, errs.New(string(schema.ExchangeOKX), errs.CodeDecodeUnrecognized,
			errs.WithMessage("channel "+envelope.Arg.Channel))
	}
	symbol, marketType := canonicalFromInstID(envelope.Arg.InstID)

	var entries []okxBookData
	if err := json.Unmarshal(envelope.Data, &entries); err != nil {
		return nil, errs.New(string(schema.ExchangeOKX), errs.CodeDecodeMalformed,
			errs.WithSymbol(symbol), errs.WithCause(err))
	}

	updates := make([]*schema.Update, 0, len(entries))
	for _, entry := range entries {
		bids, err := parseLevels(entry.Bids)
		if err != nil {
			return nil, errs.New(string(schema.ExchangeOKX), errs.CodeDecodeMalformed,
				errs.WithSymbol(symbol), errs.WithCause(err))
		}
		asks, err := parseLevels(entry.Asks)
		if err != nil {
			return nil, errs.New(string(schema.ExchangeOKX), errs.CodeDecodeMalformed,
				errs.WithSymbol(symbol), errs.WithCause(err))
		}
		u := &schema.Update{
			Exchange:      schema.ExchangeOKX,
			MarketType:    marketType,
			Symbol:        symbol,
			FirstUpdateID: entry.SeqID,
			LastUpdateID:  entry.SeqID,
			BidDeltas:     bids,
			AskDeltas:     asks,
			Checksum:      entry.Checksum,
			HasChecksum:   true,
			IsSnapshot:    envelope.Action == "snapshot",
			EventTime:     parseMillis(entry.Timestamp),
		}
		// prevSeqId is -1 on the first message after (re)subscription
		if entry.PrevSeqID >= 0 {
			u.PrevUpdateID = uint64(entry.PrevSeqID)
			u.HasPrev = true
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (d *OKXDecoder) NativeSymbol(symbol string, marketType schema.MarketType) string {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	if marketType == schema.MarketPerpetual {
		return upper + "-SWAP"
	}
	return upper
}

type okxSubscribe struct {
	Op   string   `json:"op"`
	Args []okxArg `json:"args"`
}

func (d *OKXDecoder) SubscribeFrames(symbols []string, marketType schema.MarketType) ([][]byte, error) {
	args := make([]okxArg, 0, len(symbols))
	for _, symbol := range symbols {
		args = append(args, okxArg{Channel: "books", InstID: d.NativeSymbol(symbol, marketType)})
	}
	frame, err := json.Marshal(okxSubscribe{Op: "subscribe", Args: args})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// canonicalFromInstID maps BTC-USDT-SWAP to (BTC-USDT, perpetual) and plain
// BTC-USDT to (BTC-USDT, spot).
func canonicalFromInstID(instID string) (string, schema.MarketType) {
	upper := strings.ToUpper(strings.TrimSpace(instID))
	if base, ok := strings.CutSuffix(upper, "-SWAP"); ok {
		return base, schema.MarketPerpetual
	}
	return upper, schema.MarketSpot
}

func parseMillis(ts string) time.Time {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
