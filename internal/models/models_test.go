package models

import (
	"math"
	"testing"
)

func TestContractSnapshotValidate(t *testing.T) {
	valid := ContractSnapshot{
		Symbol:         "SPY",
		Timestamp:      1751376600000,
		OptionType:     Call,
		ExpirationDate: "2025-07-03",
		StrikePrice:    620,
	}

	tests := []struct {
		name    string
		mutate  func(c *ContractSnapshot)
		wantErr bool
	}{
		{name: "valid contract", mutate: func(c *ContractSnapshot) {}},
		{name: "empty symbol", mutate: func(c *ContractSnapshot) { c.Symbol = "" }, wantErr: true},
		{name: "zero timestamp", mutate: func(c *ContractSnapshot) { c.Timestamp = 0 }, wantErr: true},
		{name: "bad option type", mutate: func(c *ContractSnapshot) { c.OptionType = "STRADDLE" }, wantErr: true},
		{name: "bad expiration", mutate: func(c *ContractSnapshot) { c.ExpirationDate = "2025-07-03:2" }, wantErr: true},
		{name: "non-positive strike", mutate: func(c *ContractSnapshot) { c.StrikePrice = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("ContractSnapshot.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContractSnapshotKey(t *testing.T) {
	a := ContractSnapshot{Symbol: "SPY", Timestamp: 1, OptionType: Put, ExpirationDate: "2025-07-03", StrikePrice: 600.5}
	b := a
	b.Timestamp = 2
	if a.Key() != b.Key() {
		t.Errorf("key must not depend on timestamp: %q vs %q", a.Key(), b.Key())
	}
	b.OptionType = Call
	if a.Key() == b.Key() {
		t.Error("key must depend on option type")
	}
}

func TestContractSnapshotAccessors(t *testing.T) {
	var c ContractSnapshot
	if c.Volume() != 0 || c.OI() != 0 {
		t.Error("absent volume/open interest should read as zero")
	}
	c.TotalVolume = Int(12)
	c.OpenInterest = Int(34)
	if c.Volume() != 12 || c.OI() != 34 {
		t.Errorf("got volume=%d oi=%d", c.Volume(), c.OI())
	}
}

func TestFlowAggregateValidate(t *testing.T) {
	tests := []struct {
		name    string
		agg     FlowAggregate
		wantErr bool
	}{
		{name: "valid", agg: FlowAggregate{Symbol: "QQQ", Timestamp: 10, SentimentStrength: 0.4}},
		{name: "no symbol", agg: FlowAggregate{Timestamp: 10}, wantErr: true},
		{name: "no timestamp", agg: FlowAggregate{Symbol: "QQQ"}, wantErr: true},
		{name: "strength out of range", agg: FlowAggregate{Symbol: "QQQ", Timestamp: 10, SentimentStrength: 1.5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.agg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("FlowAggregate.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsUndefinedRatio(t *testing.T) {
	if !IsUndefinedRatio(math.Inf(1)) {
		t.Error("+Inf should be undefined")
	}
	if IsUndefinedRatio(2.35) || IsUndefinedRatio(0) {
		t.Error("finite ratios should be defined")
	}
}

func TestStatusFailed(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusNoData, StatusSkippedHours, StatusSkippedExisting, StatusDryRun} {
		if s.Failed() {
			t.Errorf("%s should not count as failed", s)
		}
	}
	if !StatusError.Failed() {
		t.Error("error status should count as failed")
	}
}

func TestRunSummary(t *testing.T) {
	r := RunSummary{Results: []SymbolResult{
		{Symbol: "SPY", Status: StatusSuccess},
		{Symbol: "QQQ", Status: StatusSkippedHours},
		{Symbol: "IWM", Status: StatusError, Message: "timeout"},
		{Symbol: "DIA", Status: StatusError, Message: "refused"},
	}}
	if got := r.Count(StatusError); got != 2 {
		t.Errorf("Count(error) = %d, want 2", got)
	}
	if !r.Failed() {
		t.Error("expected Failed() with error results")
	}
	if got := r.FirstError(); got != "IWM: timeout" {
		t.Errorf("FirstError() = %q", got)
	}

	ok := RunSummary{Results: []SymbolResult{{Symbol: "SPY", Status: StatusNoData}}}
	if ok.Failed() || ok.FirstError() != "" {
		t.Error("no-data must not count as failure")
	}
}
