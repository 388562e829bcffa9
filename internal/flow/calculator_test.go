package flow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/flowtrack/internal/chain"
	"github.com/rewired-gh/flowtrack/internal/models"
)

const ts = int64(1751378400000)

func f(v float64) *float64 { return &v }
func n(v int64) *int64     { return &v }

func contract(typ models.OptionType, strike float64, volume int64, delta *float64, oi int64) models.ContractSnapshot {
	return models.ContractSnapshot{
		Symbol:          "SPY",
		Timestamp:       ts,
		OptionType:      typ,
		ExpirationDate:  "2025-07-03",
		StrikePrice:     strike,
		TotalVolume:     n(volume),
		OpenInterest:    n(oi),
		Delta:           delta,
		UnderlyingPrice: f(620.125),
	}
}

func exampleChain() []models.ContractSnapshot {
	return []models.ContractSnapshot{
		contract(models.Call, 620, 100, f(0.6), 1000),
		contract(models.Call, 625, 50, f(0.4), 500),
		contract(models.Put, 615, 80, f(-0.3), 700),
		contract(models.Put, 610, 20, f(-0.5), 300),
	}
}

func TestCalculateExample(t *testing.T) {
	agg := Calculate("SPY", ts, exampleChain())

	assert.Equal(t, 80.0, agg.CallDeltaVolume)
	assert.Equal(t, 34.0, agg.PutDeltaVolume)
	assert.Equal(t, 46.0, agg.NetDeltaVolume)
	assert.Equal(t, 2.35, agg.DeltaRatio)
	assert.Equal(t, models.Bullish, agg.Sentiment)
	assert.Equal(t, 0.404, agg.SentimentStrength)

	assert.Equal(t, int64(150), agg.CallVolume)
	assert.Equal(t, int64(100), agg.PutVolume)
	assert.Equal(t, int64(250), agg.TotalVolume)
	assert.Equal(t, 0.67, agg.PutCallRatio)

	assert.Equal(t, int64(1500), agg.CallOpenInterest)
	assert.Equal(t, int64(1000), agg.PutOpenInterest)
	assert.Equal(t, int64(2500), agg.TotalOpenInterest)
	assert.Equal(t, 0.67, agg.PutCallOIRatio)

	assert.Equal(t, 620.13, agg.UnderlyingPrice)
	assert.Equal(t, 4, agg.TotalRecords)
	assert.Equal(t, ts, agg.CollectionTimestamp)
	assert.True(t, agg.DataAvailable)
	require.NoError(t, agg.Validate())
}

func TestCalculateIsDeterministicAndOrderIndependent(t *testing.T) {
	records := exampleChain()
	want := Calculate("SPY", ts, records)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.ContractSnapshot(nil), records...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Calculate("SPY", ts, shuffled))
	}
	// input slice is left untouched
	assert.Equal(t, exampleChain(), records)
}

func TestCalculateEmpty(t *testing.T) {
	for _, records := range [][]models.ContractSnapshot{nil, {}} {
		agg := Calculate("QQQ", ts, records)
		assert.Equal(t, models.NoData, agg.Sentiment)
		assert.False(t, agg.DataAvailable)
		assert.Zero(t, agg.CallDeltaVolume)
		assert.Zero(t, agg.DeltaRatio)
		assert.Zero(t, agg.TotalRecords)
		assert.Equal(t, "QQQ", agg.Symbol)
		assert.Equal(t, ts, agg.Timestamp)
	}
}

func TestCalculateUndefinedRatios(t *testing.T) {
	agg := Calculate("SPY", ts, []models.ContractSnapshot{
		contract(models.Call, 620, 10, f(0.5), 0),
	})
	assert.Equal(t, 5.0, agg.CallDeltaVolume)
	assert.Zero(t, agg.PutDeltaVolume)
	assert.True(t, IsUndefined(agg.DeltaRatio))
	assert.Zero(t, agg.PutCallRatio)
	assert.True(t, IsUndefined(agg.PutCallOIRatio))
	assert.Equal(t, models.Bullish, agg.Sentiment)
	assert.Equal(t, 1.0, agg.SentimentStrength)
}

func TestCalculateAllZeroVolume(t *testing.T) {
	agg := Calculate("SPY", ts, []models.ContractSnapshot{
		contract(models.Call, 620, 0, f(0.5), 40),
		contract(models.Put, 615, 0, f(-0.5), 60),
	})
	assert.True(t, agg.DataAvailable)
	assert.Equal(t, models.Bearish, agg.Sentiment)
	assert.Zero(t, agg.SentimentStrength)
	assert.True(t, IsUndefined(agg.DeltaRatio))
	assert.Equal(t, int64(40), agg.CallOpenInterest)
	assert.Equal(t, int64(60), agg.PutOpenInterest)
	assert.Equal(t, 1.5, agg.PutCallOIRatio)
}

func TestCalculateSkipsMissingDelta(t *testing.T) {
	records := append(exampleChain(),
		contract(models.Call, 630, 500, nil, 200),
		models.ContractSnapshot{Symbol: "SPY", Timestamp: ts, OptionType: models.Put, ExpirationDate: "2025-07-03", StrikePrice: 600, Delta: f(-0.9)},
	)
	agg := Calculate("SPY", ts, records)

	assert.Equal(t, 80.0, agg.CallDeltaVolume)
	assert.Equal(t, 34.0, agg.PutDeltaVolume)
	assert.Equal(t, int64(150), agg.CallVolume, "volume without delta is excluded")
	assert.Equal(t, int64(1700), agg.CallOpenInterest, "open interest counts every record")
	assert.Equal(t, 6, agg.TotalRecords)
}

func TestCalculateSkipsZeroDelta(t *testing.T) {
	records := append(exampleChain(), contract(models.Put, 560, 1000, f(0), 400))
	agg := Calculate("SPY", ts, records)

	assert.Equal(t, 34.0, agg.PutDeltaVolume)
	assert.Equal(t, int64(100), agg.PutVolume, "zero-delta volume is excluded")
	assert.Equal(t, int64(250), agg.TotalVolume)
	assert.Equal(t, 0.67, agg.PutCallRatio)
	assert.Equal(t, int64(1400), agg.PutOpenInterest, "open interest counts every record")
	assert.Equal(t, 5, agg.TotalRecords)
}

func TestCalculateBearish(t *testing.T) {
	agg := Calculate("IWM", ts, []models.ContractSnapshot{
		contract(models.Call, 220, 10, f(0.2), 0),
		contract(models.Put, 215, 10, f(-0.8), 0),
	})
	assert.Equal(t, models.Bearish, agg.Sentiment)
	assert.Equal(t, -6.0, agg.NetDeltaVolume)
	assert.Equal(t, 0.25, agg.DeltaRatio)
	assert.Equal(t, 0.6, agg.SentimentStrength)
}

func TestFromDocumentMatchesCalculate(t *testing.T) {
	doc := chain.Document(`{
		"symbol": "SPY",
		"underlying": {"mark": 620.125},
		"callExpDateMap": {"2025-07-03:2": {
			"620.0": [{"totalVolume": 100, "delta": 0.6, "openInterest": 1000}],
			"625.0": [{"totalVolume": 50, "delta": 0.4, "openInterest": 500}]
		}},
		"putExpDateMap": {"2025-07-03:2": {
			"615.0": [{"totalVolume": 80, "delta": -0.3, "openInterest": 700}],
			"610.0": [{"totalVolume": 20, "delta": -0.5, "openInterest": 300}]
		}}
	}`)
	agg, records := FromDocument("SPY", ts, doc)
	require.Len(t, records, 4)
	assert.Equal(t, Calculate("SPY", ts, records), agg)
	assert.Equal(t, 2.35, agg.DeltaRatio)
	assert.Equal(t, int64(2500), agg.TotalOpenInterest)
}
