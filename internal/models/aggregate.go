package models

import (
	"errors"
	"math"
)

// Sentiment labels.
const (
	Bullish = "Bullish"
	Bearish = "Bearish"
	NoData  = "No Data"
)

// FlowAggregate is the delta-weighted volume rollup of one chain snapshot,
// keyed by (Symbol, Timestamp).
//
// Ratio fields hold +Inf when their denominator is zero; see IsUndefinedRatio.
type FlowAggregate struct {
	Symbol    string `json:"symbol"`
	Timestamp int64  `json:"timestamp"`

	CallDeltaVolume float64 `json:"call_delta_volume"`
	PutDeltaVolume  float64 `json:"put_delta_volume"`
	NetDeltaVolume  float64 `json:"net_delta_volume"`
	DeltaRatio      float64 `json:"delta_ratio"`

	CallVolume  int64 `json:"call_volume"`
	PutVolume   int64 `json:"put_volume"`
	TotalVolume int64 `json:"total_volume"`

	CallOpenInterest  int64 `json:"call_open_interest"`
	PutOpenInterest   int64 `json:"put_open_interest"`
	TotalOpenInterest int64 `json:"total_open_interest"`

	PutCallRatio   float64 `json:"put_call_ratio"`
	PutCallOIRatio float64 `json:"put_call_oi_ratio"`

	UnderlyingPrice   float64 `json:"underlying_price"`
	Sentiment         string  `json:"sentiment"`
	SentimentStrength float64 `json:"sentiment_strength"`

	TotalRecords        int   `json:"total_records"`
	CollectionTimestamp int64 `json:"collection_timestamp"`
	DataAvailable       bool  `json:"data_available"`
}

// IsUndefinedRatio reports whether a ratio field carries the division-by-zero sentinel.
func IsUndefinedRatio(v float64) bool {
	return math.IsInf(v, 1)
}

// Validate checks the aggregate key.
func (a *FlowAggregate) Validate() error {
	if a.Symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if a.Timestamp <= 0 {
		return errors.New("timestamp must be positive")
	}
	if a.SentimentStrength < 0 || a.SentimentStrength > 1 {
		return errors.New("sentiment strength must be between 0 and 1")
	}
	return nil
}

// SymbolStats summarizes the raw history stored for one symbol.
type SymbolStats struct {
	Symbol             string
	TotalRecords       int64
	EarliestTimestamp  int64
	LatestTimestamp    int64
	ExpirationCount    int64
	CallStrikes        int64
	PutStrikes         int64
	AvgUnderlyingPrice float64
}

// FlowSummaryRow is one per-timestamp row of the SQL-side delta volume summary.
type FlowSummaryRow struct {
	Timestamp       int64
	Symbol          string
	UnderlyingPrice float64
	CallDeltaVolume float64
	PutDeltaVolume  float64
	NetDeltaVolume  float64
	CallVolume      int64
	PutVolume       int64
	TotalVolume     int64
	DeltaRatio      float64
}
