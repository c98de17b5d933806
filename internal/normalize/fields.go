package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// firstField returns the first non-empty value among the given keys.
func firstField(payload map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := payload[key]; ok && v != nil && v != "" {
			return v, true
		}
	}
	return nil, false
}

// firstString is firstField narrowed to a trimmed string rendering.
func firstString(payload map[string]any, keys ...string) string {
	v, ok := firstField(payload, keys...)
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// toDecimal parses a price/size field into an exact decimal. Vendor
// payloads mix JSON numbers and strings (sometimes with thousands
// separators); anything unparseable collapses to zero.
func toDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return t
	case float64:
		// JSON numbers arrive as float64; round-trip through the string
		// form so 17460 stays 17460, not 17459.999....
		return decimal.NewFromFloat(t)
	case int:
		return decimal.NewFromInt(int64(t))
	case int64:
		return decimal.NewFromInt(t)
	}

	text := strings.ReplaceAll(strings.TrimSpace(fmt.Sprint(v)), ",", "")
	if text == "" || text == "null" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decimalField extracts and parses the first matching field.
func decimalField(payload map[string]any, keys ...string) decimal.Decimal {
	v, ok := firstField(payload, keys...)
	if !ok {
		return decimal.Zero
	}
	return toDecimal(v)
}

// seqField extracts a sequence number; 0 means absent.
func seqField(payload map[string]any, keys ...string) int64 {
	v, ok := firstField(payload, keys...)
	if !ok {
		return 0
	}
	d := toDecimal(v)
	if !d.IsInteger() || d.Sign() <= 0 {
		return 0
	}
	return d.IntPart()
}

// normalizeSymbol canonicalises contract symbols: whitespace stripped,
// upper-cased.
func normalizeSymbol(raw string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(raw), " ", ""))
}

// flattenPayload merges the fields nested under "data"/"payload" wrappers
// up to the top level so extraction can rely on single-level lookup. The
// original keys win over nested ones.
func flattenPayload(payload map[string]any) map[string]any {
	merged := make(map[string]any, len(payload))
	for k, v := range payload {
		merged[k] = v
	}

	var stack []map[string]any
	for _, key := range []string{"data", "payload"} {
		if nested, ok := payload[key].(map[string]any); ok {
			stack = append(stack, nested)
		}
	}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for k, v := range current {
			if existing, ok := merged[k]; !ok || existing == nil || existing == "" {
				merged[k] = v
			}
			if nested, ok := v.(map[string]any); ok {
				stack = append(stack, nested)
			}
		}
	}

	return merged
}

// parseEventTime converts the vendor's timestamp formats to a UTC instant.
// Numeric timestamps are epoch values whose unit is inferred from
// magnitude (seconds through nanoseconds); strings try ISO-8601 and the
// vendor's legacy layouts, interpreted as Asia/Taipei when no offset is
// given.
func parseEventTime(v any, local *time.Location) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case float64:
		return epochToTime(t), true
	case int64:
		return epochToTime(float64(t)), true
	case int:
		return epochToTime(float64(t)), true
	case string:
		text := strings.TrimSpace(t)
		if text == "" {
			return time.Time{}, false
		}
		if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return parsed.UTC(), true
		}
		for _, layout := range []string{
			"2006-01-02T15:04:05.999999999",
			"2006-01-02 15:04:05",
			"2006/01/02 15:04:05",
			"20060102150405",
		} {
			if parsed, err := time.ParseInLocation(layout, text, local); err == nil {
				return parsed.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// epochToTime interprets an epoch value by magnitude: ns > 1e18,
// µs > 1e15, ms > 1e12, else seconds.
func epochToTime(v float64) time.Time {
	switch {
	case v > 1e18:
		return time.Unix(0, int64(v)).UTC()
	case v > 1e15:
		return time.UnixMicro(int64(v)).UTC()
	case v > 1e12:
		return time.UnixMilli(int64(v)).UTC()
	default:
		sec := int64(v)
		frac := v - float64(sec)
		return time.Unix(sec, int64(frac*1e9)).UTC()
	}
}
