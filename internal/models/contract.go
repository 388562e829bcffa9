// Package models defines the core domain entities: raw option contract snapshots,
// per-timestamp flow aggregates, and collection statuses.
package models

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// OptionType is the side of an option contract.
type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// Valid reports whether t is CALL or PUT.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// ExpirationLayout is the storage format for expiration dates.
const ExpirationLayout = "2006-01-02"

// ContractSnapshot is the observed state of one option contract at one collection
// timestamp. Every field outside the identity tuple is optional: upstream documents are
// untrusted and may omit anything.
type ContractSnapshot struct {
	// Identity: unique together.
	Symbol         string     `json:"symbol"`
	Timestamp      int64      `json:"timestamp"` // epoch millis of the collection
	OptionType     OptionType `json:"option_type"`
	ExpirationDate string     `json:"expiration_date"`
	StrikePrice    float64    `json:"strike_price"`

	Mark         *float64 `json:"mark,omitempty"`
	Bid          *float64 `json:"bid,omitempty"`
	Ask          *float64 `json:"ask,omitempty"`
	Last         *float64 `json:"last,omitempty"`
	TotalVolume  *int64   `json:"total_volume,omitempty"`
	OpenInterest *int64   `json:"open_interest,omitempty"`

	Delta             *float64 `json:"delta,omitempty"`
	Gamma             *float64 `json:"gamma,omitempty"`
	Theta             *float64 `json:"theta,omitempty"`
	Vega              *float64 `json:"vega,omitempty"`
	Rho               *float64 `json:"rho,omitempty"`
	ImpliedVolatility *float64 `json:"implied_volatility,omitempty"`
	TheoreticalValue  *float64 `json:"theoretical_value,omitempty"`

	DaysToExpiration *int64   `json:"days_to_expiration,omitempty"`
	IntrinsicValue   *float64 `json:"intrinsic_value,omitempty"`
	ExtrinsicValue   *float64 `json:"extrinsic_value,omitempty"`
	UnderlyingPrice  *float64 `json:"underlying_price,omitempty"`

	DataSource string `json:"data_source,omitempty"`
}

// Key identifies the contract independent of collection time.
func (c *ContractSnapshot) Key() string {
	return c.Symbol + "|" + c.ExpirationDate + "|" +
		strconv.FormatFloat(c.StrikePrice, 'f', -1, 64) + "|" + string(c.OptionType)
}

// Volume returns the total volume or 0 when absent.
func (c *ContractSnapshot) Volume() int64 {
	if c.TotalVolume == nil {
		return 0
	}
	return *c.TotalVolume
}

// OI returns the open interest or 0 when absent.
func (c *ContractSnapshot) OI() int64 {
	if c.OpenInterest == nil {
		return 0
	}
	return *c.OpenInterest
}

// Validate checks the identity tuple.
func (c *ContractSnapshot) Validate() error {
	if c.Symbol == "" {
		return errors.New("symbol must not be empty")
	}
	if c.Timestamp <= 0 {
		return errors.New("timestamp must be positive")
	}
	if !c.OptionType.Valid() {
		return fmt.Errorf("invalid option type %q", c.OptionType)
	}
	if _, err := time.Parse(ExpirationLayout, c.ExpirationDate); err != nil {
		return fmt.Errorf("invalid expiration date %q", c.ExpirationDate)
	}
	if c.StrikePrice <= 0 {
		return errors.New("strike price must be positive")
	}
	return nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }
