// Package flow reduces an options-chain snapshot into delta-weighted volume metrics.
//
// Calculate is the only place the metrics are derived. The collector calls it on a freshly
// parsed chain and the backfill driver calls it on raw rows read back from storage, so both
// paths yield identical aggregates for the same contracts.
package flow

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/flowtrack/internal/chain"
	"github.com/rewired-gh/flowtrack/internal/models"
)

// Undefined is the ratio sentinel used when a denominator is zero.
var Undefined = math.Inf(1)

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v float64) bool {
	return models.IsUndefinedRatio(v)
}

// Calculate aggregates records observed for symbol at timestamp.
//
// Open interest is summed over every record. Delta-weighted volume and the volume totals
// only include records with volume > 0 and a non-zero delta; puts contribute |delta|.
func Calculate(symbol string, timestamp int64, records []models.ContractSnapshot) models.FlowAggregate {
	if len(records) == 0 {
		return Empty(symbol, timestamp)
	}

	var (
		callDV, putDV   float64
		callVol, putVol int64
		callOI, putOI   int64
		underlying      float64
	)

	for _, r := range canonical(records) {
		if r.UnderlyingPrice != nil {
			underlying = *r.UnderlyingPrice
		}

		switch r.OptionType {
		case models.Call:
			callOI += r.OI()
		case models.Put:
			putOI += r.OI()
		}

		vol := r.Volume()
		if r.Delta == nil || *r.Delta == 0 || vol <= 0 {
			continue
		}
		switch r.OptionType {
		case models.Call:
			callDV += *r.Delta * float64(vol)
			callVol += vol
		case models.Put:
			putDV += math.Abs(*r.Delta) * float64(vol)
			putVol += vol
		}
	}

	net := callDV - putDV
	totalDV := callDV + putDV

	sentiment := models.Bearish
	if net > 0 {
		sentiment = models.Bullish
	}
	var strength float64
	if totalDV > 0 {
		strength = math.Abs(net) / totalDV
	}

	return models.FlowAggregate{
		Symbol:              symbol,
		Timestamp:           timestamp,
		CallDeltaVolume:     round(callDV, 0),
		PutDeltaVolume:      round(putDV, 0),
		NetDeltaVolume:      round(net, 0),
		DeltaRatio:          round(ratio(callDV, putDV), 2),
		CallVolume:          callVol,
		PutVolume:           putVol,
		TotalVolume:         callVol + putVol,
		CallOpenInterest:    callOI,
		PutOpenInterest:     putOI,
		TotalOpenInterest:   callOI + putOI,
		PutCallRatio:        round(ratio(float64(putVol), float64(callVol)), 2),
		PutCallOIRatio:      round(ratio(float64(putOI), float64(callOI)), 2),
		UnderlyingPrice:     round(underlying, 2),
		Sentiment:           sentiment,
		SentimentStrength:   round(strength, 3),
		TotalRecords:        len(records),
		CollectionTimestamp: timestamp,
		DataAvailable:       true,
	}
}

// Empty is the aggregate for a snapshot without contracts.
func Empty(symbol string, timestamp int64) models.FlowAggregate {
	return models.FlowAggregate{
		Symbol:              symbol,
		Timestamp:           timestamp,
		Sentiment:           models.NoData,
		CollectionTimestamp: timestamp,
		DataAvailable:       false,
	}
}

// FromDocument parses doc and calculates its aggregate. The parsed contracts are returned
// so callers can persist them.
func FromDocument(symbol string, timestamp int64, doc chain.Document) (models.FlowAggregate, []models.ContractSnapshot) {
	records := chain.Parse(symbol, timestamp, doc)
	return Calculate(symbol, timestamp, records), records
}

// canonical orders records by contract identity so float sums do not depend on the order
// the records arrived in.
func canonical(records []models.ContractSnapshot) []*models.ContractSnapshot {
	out := make([]*models.ContractSnapshot, len(records))
	for i := range records {
		out[i] = &records[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OptionType != b.OptionType {
			return a.OptionType < b.OptionType
		}
		if a.ExpirationDate != b.ExpirationDate {
			return a.ExpirationDate < b.ExpirationDate
		}
		return a.StrikePrice < b.StrikePrice
	})
	return out
}

func ratio(num, den float64) float64 {
	if den > 0 {
		return num / den
	}
	return Undefined
}

func round(v float64, places int32) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
