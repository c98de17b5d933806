package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Book derives a depth update from a raw envelope. Levels beyond what the
// feed explicitly provides are not synthesized.
func (n *Normalizer) Book(env model.RawEnvelope) (model.BookUpdate, error) {
	payload := env.Payload

	bids := levelArray(payload, "bids", "bidQuotes")
	asks := levelArray(payload, "asks", "askQuotes")

	var levels []model.BookLevel
	if bids != nil || asks != nil {
		depth := len(bids)
		if len(asks) > depth {
			depth = len(asks)
		}
		for i := 0; i < depth; i++ {
			var bidPx, bidSz, askPx, askSz decimal.Decimal
			if i < len(bids) {
				bidPx, bidSz = bids[i].price, bids[i].size
			}
			if i < len(asks) {
				askPx, askSz = asks[i].price, asks[i].size
			}
			levels = append(levels, makeLevel(i+1, bidPx, bidSz, askPx, askSz))
		}
	} else {
		// Flat field shape: bidPx1/bidSz1/... up to the configured depth,
		// stopping at the first level the payload does not carry at all.
		for lvl := 1; lvl <= n.MaxDepth; lvl++ {
			_, hasBid := firstField(payload, key("bidPx", lvl), key("bidPrice", lvl))
			_, hasAsk := firstField(payload, key("askPx", lvl), key("askPrice", lvl))
			if !hasBid && !hasAsk {
				break
			}
			bidPx := decimalField(payload, key("bidPx", lvl), key("bidPrice", lvl))
			bidSz := decimalField(payload, key("bidSz", lvl), key("bidVolume", lvl), key("bidQty", lvl))
			askPx := decimalField(payload, key("askPx", lvl), key("askPrice", lvl))
			askSz := decimalField(payload, key("askSz", lvl), key("askVolume", lvl), key("askQty", lvl))
			levels = append(levels, makeLevel(lvl, bidPx, bidSz, askPx, askSz))
		}
	}

	if len(levels) == 0 {
		return model.BookUpdate{}, &Error{Reason: "book payload carries no levels", Payload: payload}
	}

	return model.BookUpdate{
		Symbol:         env.Symbol,
		EventTimeUTC:   env.EventTimeUTC,
		EventTimeLocal: env.EventTimeLocal,
		BookSeq:        env.EventSeq,
		IsSnapshot:     isSnapshot(payload, env.EventSeq),
		Levels:         levels,
		Channel:        env.Channel,
		Checksum:       env.Checksum,
	}, nil
}

func key(prefix string, level int) string {
	return fmt.Sprintf("%s%d", prefix, level)
}

func makeLevel(lvl int, bidPx, bidSz, askPx, askSz decimal.Decimal) model.BookLevel {
	return model.BookLevel{
		Level:    lvl,
		BidPrice: bidPx,
		BidSize:  bidSz,
		AskPrice: askPx,
		AskSize:  askSz,
		MidPrice: midPrice(bidPx, askPx),
	}
}

// midPrice is null when both sides are empty.
func midPrice(bid, ask decimal.Decimal) decimal.NullDecimal {
	if bid.IsZero() && ask.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{
		Decimal: bid.Add(ask).Div(decimal.NewFromInt(2)),
		Valid:   true,
	}
}

type priceLevel struct {
	price decimal.Decimal
	size  decimal.Decimal
}

// levelArray extracts an ordered level list. Entries are either
// {"price":..,"size":..} objects or [price, size] pairs.
func levelArray(payload map[string]any, keys ...string) []priceLevel {
	v, ok := firstField(payload, keys...)
	if !ok {
		return nil
	}
	entries, ok := v.([]any)
	if !ok {
		return nil
	}

	levels := make([]priceLevel, 0, len(entries))
	for _, entry := range entries {
		switch t := entry.(type) {
		case map[string]any:
			px, _ := firstField(t, "price", "px")
			sz, _ := firstField(t, "qty", "size", "volume")
			levels = append(levels, priceLevel{price: toDecimal(px), size: toDecimal(sz)})
		case []any:
			if len(t) >= 2 {
				levels = append(levels, priceLevel{price: toDecimal(t[0]), size: toDecimal(t[1])})
			}
		}
	}
	if len(levels) == 0 {
		return nil
	}
	return levels
}

// isSnapshot honors an explicit flag; without one, a frame with no book
// sequence is treated as a full snapshot.
func isSnapshot(payload map[string]any, seq int64) bool {
	if flag, ok := firstField(payload, "isSnapshot", "snapshot"); ok {
		if b, ok := flag.(bool); ok {
			return b
		}
		switch strings.ToLower(strings.TrimSpace(fmt.Sprint(flag))) {
		case "y", "yes", "true", "snapshot":
			return true
		case "n", "no", "false", "delta":
			return false
		}
	}
	return seq == 0
}
