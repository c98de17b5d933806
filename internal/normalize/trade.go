package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Trade derives a trade print from a raw envelope.
func (n *Normalizer) Trade(env model.RawEnvelope) (model.Trade, error) {
	payload := env.Payload

	// Some frames batch prints under a "trades" array; take the first
	// entry for per-print fields and fall back to the top level.
	entry := payload
	if trades, ok := payload["trades"].([]any); ok && len(trades) > 0 {
		if first, ok := trades[0].(map[string]any); ok {
			entry = first
		}
	}

	price := decimalField(entry, "price", "matchPrice", "dealPrice")
	if price.IsZero() {
		price = decimalField(payload, "price", "matchPrice", "dealPrice")
	}
	qty := decimalField(entry, "size", "qty", "volume", "matchQty", "dealVolume")
	if qty.IsZero() {
		qty = decimalField(payload, "volume", "matchQty", "dealVolume", "qty", "size")
	}
	if price.Sign() <= 0 {
		return model.Trade{}, &Error{Reason: "non-positive trade price", Payload: payload}
	}
	if qty.Sign() <= 0 {
		return model.Trade{}, &Error{Reason: "non-positive trade quantity", Payload: payload}
	}

	side := resolveSide(firstString(entry, "side", "bsFlag", "buySell"))
	if side == model.SideUnknown {
		side = classifyAgainstBook(price, entry)
	}

	tradeID := firstString(payload, "matchNo", "tradeId", "serial", "id")
	if tradeID == "" {
		// Identity fallback: (symbol, time, price, quantity).
		tradeID = fmt.Sprintf("%s-%d-%s-%s", env.Symbol, env.EventTimeUTC.UnixMilli(), price.String(), qty.String())
	}

	return model.Trade{
		Symbol:         env.Symbol,
		TradeID:        tradeID,
		EventSeq:       env.EventSeq,
		Side:           side,
		Price:          price,
		Quantity:       qty,
		Turnover:       price.Mul(qty),
		EventTimeUTC:   env.EventTimeUTC,
		EventTimeLocal: env.EventTimeLocal,
		Channel:        env.Channel,
		Checksum:       env.Checksum,
	}, nil
}

func resolveSide(raw string) model.Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "b", "buy", "long":
		return model.SideBuy
	case "s", "sell", "short":
		return model.SideSell
	}
	return model.SideUnknown
}

// classifyAgainstBook infers the aggressor side from bid/ask hints when
// the frame carries them: a print at or below the bid sold, at or above
// the ask bought.
func classifyAgainstBook(price decimal.Decimal, entry map[string]any) model.Side {
	if bid, ok := firstField(entry, "bid", "bidPx1", "bidPrice1"); ok {
		if bidPx := toDecimal(bid); bidPx.Sign() > 0 && price.LessThanOrEqual(bidPx) {
			return model.SideSell
		}
	}
	if ask, ok := firstField(entry, "ask", "askPx1", "askPrice1"); ok {
		if askPx := toDecimal(ask); askPx.Sign() > 0 && price.GreaterThanOrEqual(askPx) {
			return model.SideBuy
		}
	}
	return model.SideUnknown
}
