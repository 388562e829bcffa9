package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/flowtrack/internal/models"
)

// 2025-07-01 10:00 ET
const ts = int64(1751378400000)

const sampleChain = `{
	"symbol": "SPY",
	"status": "SUCCESS",
	"underlying": {"mark": 620.5, "last": 620.4},
	"callExpDateMap": {
		"2025-07-03:2": {
			"620.0": [{"mark": 3.1, "bid": 3.0, "ask": 3.2, "last": 3.05, "totalVolume": 1200,
				"openInterest": 5400, "delta": 0.52, "gamma": 0.08, "theta": -0.9, "vega": 0.2,
				"rho": 0.01, "volatility": 14.2, "theoreticalValue": 3.11}],
			"630.0": [{"mark": 0.4, "totalVolume": 300, "delta": -999.0, "gamma": "NaN"}]
		}
	},
	"putExpDateMap": {
		"2025-07-03:2": {
			"615.0": {"mark": 1.2, "totalVolume": "85", "openInterest": 900, "delta": -0.31}
		}
	}
}`

func byKey(records []models.ContractSnapshot) map[string]models.ContractSnapshot {
	out := make(map[string]models.ContractSnapshot, len(records))
	for _, r := range records {
		out[r.Key()] = r
	}
	return out
}

func TestParse(t *testing.T) {
	records := Parse("SPY", ts, Document(sampleChain))
	require.Len(t, records, 3)
	m := byKey(records)

	c := m["SPY|2025-07-03|620|CALL"]
	require.NotNil(t, c.Mark)
	assert.Equal(t, 3.1, *c.Mark)
	assert.Equal(t, int64(1200), c.Volume())
	assert.Equal(t, int64(5400), c.OI())
	assert.Equal(t, 0.52, *c.Delta)
	assert.Equal(t, 14.2, *c.ImpliedVolatility)
	assert.Equal(t, 620.5, *c.UnderlyingPrice)
	assert.Equal(t, int64(2), *c.DaysToExpiration)
	assert.InDelta(t, 0.5, *c.IntrinsicValue, 1e-9)
	assert.InDelta(t, 2.6, *c.ExtrinsicValue, 1e-9)
	assert.Equal(t, DataSource, c.DataSource)
	assert.Equal(t, ts, c.Timestamp)
	require.NoError(t, c.Validate())

	otm := m["SPY|2025-07-03|630|CALL"]
	assert.Nil(t, otm.Delta, "sentinel greek is dropped")
	assert.Nil(t, otm.Gamma)
	assert.Nil(t, otm.OpenInterest)
	assert.Zero(t, *otm.IntrinsicValue)

	p := m["SPY|2025-07-03|615|PUT"]
	assert.Equal(t, int64(85), p.Volume())
	assert.Equal(t, -0.31, *p.Delta)
	assert.Zero(t, *p.IntrinsicValue)
}

func TestParseMissingFields(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want int
	}{
		{"empty document", ``, 0},
		{"not json", `<html>`, 0},
		{"no maps", `{"symbol":"SPY"}`, 0},
		{"bad expiration key", `{"callExpDateMap":{"soon":{"1.0":[{}]}}}`, 0},
		{"bad strike key", `{"callExpDateMap":{"2025-07-03:2":{"abc":[{}]}}}`, 0},
		{"strike from body", `{"callExpDateMap":{"2025-07-03:2":{"abc":[{"strikePrice":10}]}}}`, 1},
		{"bare contract", `{"putExpDateMap":{"2025-07-03":{"5.0":[{}]}}}`, 1},
		{"duplicate contract", `{"callExpDateMap":{"2025-07-03:2":{"5.0":[{},{}]}}}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, Parse("SPY", ts, Document(tt.doc)), tt.want)
		})
	}
}

func TestParseWithoutUnderlying(t *testing.T) {
	records := Parse("SPY", ts, Document(`{"callExpDateMap":{"2025-07-03:2":{"5.0":[{"mark":1.0}]}}}`))
	require.Len(t, records, 1)
	assert.Nil(t, records[0].UnderlyingPrice)
	assert.Nil(t, records[0].IntrinsicValue)
	assert.Nil(t, records[0].ExtrinsicValue)
}

func TestParseUnderlyingFallback(t *testing.T) {
	records := Parse("SPY", ts, Document(`{"underlyingPrice":"101.5","callExpDateMap":{"2025-07-03":{"100":[{}]}}}`))
	require.Len(t, records, 1)
	assert.Equal(t, 101.5, *records[0].UnderlyingPrice)
}

func TestFailed(t *testing.T) {
	assert.True(t, Failed(Document(`{"status":"FAILED"}`)))
	assert.False(t, Failed(Document(sampleChain)))
	assert.False(t, Failed(nil))
}
