// Package changecache remembers a fingerprint of each contract's market fields so
// unchanged contracts are not appended to raw history again.
//
// The cache only gates raw writes. Losing it (for example on restart) costs extra rows
// that storage rejects as duplicates or keeps as harmless repeats, never data.
package changecache

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rewired-gh/flowtrack/internal/models"
)

// Fields are the tracked market and risk fields of a contract. Nil means absent, which
// fingerprints differently from zero.
type Fields struct {
	Mark, Bid, Ask, Last      *float64
	TotalVolume, OpenInterest *int64
	Delta, Gamma, Theta, Vega *float64
	Rho, ImpliedVolatility    *float64
	TheoreticalValue          *float64
}

// FieldsOf extracts the tracked fields of c.
func FieldsOf(c *models.ContractSnapshot) Fields {
	return Fields{
		Mark: c.Mark, Bid: c.Bid, Ask: c.Ask, Last: c.Last,
		TotalVolume: c.TotalVolume, OpenInterest: c.OpenInterest,
		Delta: c.Delta, Gamma: c.Gamma, Theta: c.Theta, Vega: c.Vega,
		Rho: c.Rho, ImpliedVolatility: c.ImpliedVolatility,
		TheoreticalValue: c.TheoreticalValue,
	}
}

// Fingerprint digests f.
func (f Fields) Fingerprint() uint64 {
	d := xxhash.New()
	var buf [9]byte
	putFloat := func(v *float64) {
		if v == nil {
			buf[0] = 0
			_, _ = d.Write(buf[:1])
			return
		}
		buf[0] = 1
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(*v))
		_, _ = d.Write(buf[:])
	}
	putInt := func(v *int64) {
		if v == nil {
			buf[0] = 0
			_, _ = d.Write(buf[:1])
			return
		}
		buf[0] = 1
		binary.LittleEndian.PutUint64(buf[1:], uint64(*v))
		_, _ = d.Write(buf[:])
	}
	putFloat(f.Mark)
	putFloat(f.Bid)
	putFloat(f.Ask)
	putFloat(f.Last)
	putInt(f.TotalVolume)
	putInt(f.OpenInterest)
	putFloat(f.Delta)
	putFloat(f.Gamma)
	putFloat(f.Theta)
	putFloat(f.Vega)
	putFloat(f.Rho)
	putFloat(f.ImpliedVolatility)
	putFloat(f.TheoreticalValue)
	return d.Sum64()
}

// Cache maps contract identity to the fingerprint last approved for storage.
// It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]uint64
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]uint64)}
}

// ShouldStore reports whether the contract is unseen or its fields changed since the last
// call that returned true. A true result records the new fingerprint.
func (c *Cache) ShouldStore(symbol, expiry string, strike float64, typ models.OptionType, fields Fields) bool {
	key := symbol + "|" + expiry + "|" + strconv.FormatFloat(strike, 'f', -1, 64) + "|" + string(typ)
	fp := fields.Fingerprint()

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[key]; ok && prev == fp {
		return false
	}
	c.entries[key] = fp
	return true
}

// ShouldStoreSnapshot is ShouldStore for a parsed snapshot.
func (c *Cache) ShouldStoreSnapshot(s *models.ContractSnapshot) bool {
	return c.ShouldStore(s.Symbol, s.ExpirationDate, s.StrikePrice, s.OptionType, FieldsOf(s))
}

// Forget drops the entry for s so the next observation is stored again. Used when a
// raw write fails after the cache approved it.
func (c *Cache) Forget(s *models.ContractSnapshot) {
	c.mu.Lock()
	delete(c.entries, s.Key())
	c.mu.Unlock()
}

// Len returns the number of tracked contracts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops all fingerprints.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]uint64)
	c.mu.Unlock()
}
