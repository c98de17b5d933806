package normalize

import (
	"github.com/taifexlab/fubon-ingest/internal/model"
)

// Quote derives an aggregated market snapshot from a raw envelope.
// Analytics fields (implied vol, estimated settlement) are passthrough.
func (n *Normalizer) Quote(env model.RawEnvelope) (model.Quote, error) {
	payload := env.Payload

	return model.Quote{
		Symbol:         env.Symbol,
		EventTimeUTC:   env.EventTimeUTC,
		EventTimeLocal: env.EventTimeLocal,
		LastPrice:      decimalField(payload, "lastPrice", "close", "price"),
		PrevClose:      decimalField(payload, "prevClose", "previousClose"),
		OpenPrice:      decimalField(payload, "openPrice", "open"),
		HighPrice:      decimalField(payload, "highPrice", "high"),
		LowPrice:       decimalField(payload, "lowPrice", "low"),
		BidPrice1:      decimalField(payload, "bidPx1", "bidPrice1"),
		BidSize1:       decimalField(payload, "bidSz1", "bidVolume1"),
		AskPrice1:      decimalField(payload, "askPx1", "askPrice1"),
		AskSize1:       decimalField(payload, "askSz1", "askVolume1"),
		Volume:         decimalField(payload, "volume", "totalVolume", "accVolume"),
		Turnover:       decimalField(payload, "turnover", "totalTurnover"),
		OpenInterest:   decimalField(payload, "openInterest", "oi"),
		ImpliedVol:     decimalField(payload, "impliedVol", "impliedVolatility"),
		EstSettlement:  decimalField(payload, "settlementPrice", "theoreticalPrice"),
		BookSeq:        env.EventSeq,
		Channel:        env.Channel,
		Checksum:       env.Checksum,
	}, nil
}
