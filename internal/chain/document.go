// Package chain fetches options-chain documents from the upstream brokerage API and maps
// them into typed contract snapshots.
package chain

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rewired-gh/flowtrack/internal/markethours"
	"github.com/rewired-gh/flowtrack/internal/models"
)

// Document is a raw chain document as returned upstream. It is untrusted: any key may be
// missing or carry an unexpected type.
type Document []byte

// ErrNoData is returned by sources that have no chain for the requested symbol.
var ErrNoData = errors.New("no chain data")

// Source fetches the chain document for a symbol.
type Source interface {
	FetchChain(ctx context.Context, symbol string, strikeCount int) (Document, error)
}

// DataSource is recorded on every snapshot parsed from an upstream document.
const DataSource = "SCHWAB_API"

// Upstream uses this value for greeks it could not compute.
const missingGreek = -999.0

// Parse maps doc into one snapshot per contract. Contracts without a usable strike or
// expiration are skipped; any other missing field is left nil. A contract listed twice
// under the same identity is kept once.
func Parse(symbol string, timestamp int64, doc Document) []models.ContractSnapshot {
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		return nil
	}
	root := gjson.ParseBytes(doc)

	underlying := optFloat(root.Get("underlying.mark"))
	if underlying == nil {
		underlying = optFloat(root.Get("underlyingPrice"))
	}
	captured := time.UnixMilli(timestamp).In(markethours.Eastern)

	var out []models.ContractSnapshot
	seen := make(map[string]bool)

	walk := func(path string, typ models.OptionType) {
		root.Get(path).ForEach(func(expKey, strikes gjson.Result) bool {
			expiration := normalizeExpiration(expKey.String())
			strikes.ForEach(func(strikeKey, contracts gjson.Result) bool {
				each := func(c gjson.Result) {
					rec, ok := buildSnapshot(symbol, timestamp, typ, expiration, strikeKey.String(), c, underlying, captured)
					if !ok {
						return
					}
					if k := rec.Key(); !seen[k] {
						seen[k] = true
						out = append(out, rec)
					}
				}
				if contracts.IsArray() {
					contracts.ForEach(func(_, c gjson.Result) bool {
						each(c)
						return true
					})
				} else if contracts.IsObject() {
					each(contracts)
				}
				return true
			})
			return true
		})
	}
	walk("callExpDateMap", models.Call)
	walk("putExpDateMap", models.Put)

	return out
}

// Failed reports whether doc is an upstream "no chain" response.
func Failed(doc Document) bool {
	return gjson.GetBytes(doc, "status").String() == "FAILED"
}

func buildSnapshot(symbol string, timestamp int64, typ models.OptionType, expiration, strikeKey string,
	c gjson.Result, underlying *float64, captured time.Time) (models.ContractSnapshot, bool) {

	expDate, err := time.Parse(models.ExpirationLayout, expiration)
	if err != nil {
		return models.ContractSnapshot{}, false
	}
	strike, err := strconv.ParseFloat(strings.TrimSpace(strikeKey), 64)
	if err != nil || strike <= 0 {
		s := optFloat(c.Get("strikePrice"))
		if s == nil || *s <= 0 {
			return models.ContractSnapshot{}, false
		}
		strike = *s
	}

	rec := models.ContractSnapshot{
		Symbol:         symbol,
		Timestamp:      timestamp,
		OptionType:     typ,
		ExpirationDate: expiration,
		StrikePrice:    strike,

		Mark:         optFloat(c.Get("mark")),
		Bid:          optFloat(c.Get("bid")),
		Ask:          optFloat(c.Get("ask")),
		Last:         optFloat(c.Get("last")),
		TotalVolume:  optInt(c.Get("totalVolume")),
		OpenInterest: optInt(c.Get("openInterest")),

		Delta:             optGreek(c.Get("delta")),
		Gamma:             optGreek(c.Get("gamma")),
		Theta:             optGreek(c.Get("theta")),
		Vega:              optGreek(c.Get("vega")),
		Rho:               optGreek(c.Get("rho")),
		ImpliedVolatility: optGreek(c.Get("volatility")),
		TheoreticalValue:  optGreek(c.Get("theoreticalValue")),

		UnderlyingPrice: underlying,
		DataSource:      DataSource,
	}

	days := daysBetween(captured, expDate)
	rec.DaysToExpiration = &days

	if underlying != nil {
		var intrinsic float64
		if typ == models.Call {
			intrinsic = math.Max(0, *underlying-strike)
		} else {
			intrinsic = math.Max(0, strike-*underlying)
		}
		rec.IntrinsicValue = &intrinsic
		if rec.Mark != nil && *rec.Mark != 0 {
			extrinsic := *rec.Mark - intrinsic
			rec.ExtrinsicValue = &extrinsic
		}
	}

	return rec, true
}

// normalizeExpiration strips the days-to-expiry suffix from keys like "2025-07-03:2".
func normalizeExpiration(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		key = key[:i]
	}
	return strings.TrimSpace(key)
}

// daysBetween counts calendar days from the capture date to the expiration date.
func daysBetween(captured time.Time, expiration time.Time) int64 {
	from := time.Date(captured.Year(), captured.Month(), captured.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, time.UTC)
	return int64(to.Sub(from) / (24 * time.Hour))
}

func optFloat(r gjson.Result) *float64 {
	var v float64
	switch r.Type {
	case gjson.Number:
		v = r.Float()
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return nil
		}
		v = f
	default:
		return nil
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func optGreek(r gjson.Result) *float64 {
	v := optFloat(r)
	if v == nil || *v == missingGreek {
		return nil
	}
	return v
}

func optInt(r gjson.Result) *int64 {
	v := optFloat(r)
	if v == nil || *v < 0 {
		return nil
	}
	n := int64(math.Round(*v))
	return &n
}
