// Package markethours decides whether a symbol's options chain is worth collecting at a
// given instant.
package markethours

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Eastern is the US equity market time zone.
var Eastern = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("markethours: load %s: %v", name, err))
	}
	return loc
}

// Schedule is a weekday session window with a later close for an allow-list of
// index-tracking symbols.
type Schedule struct {
	loc           *time.Location
	open          int // minutes after midnight
	close         int
	extendedClose int
	extended      map[string]bool
	holidays      map[string]bool
}

// Config describes a Schedule. Times are "HH:MM" in Location.
type Config struct {
	Location        string
	Open            string
	Close           string
	ExtendedClose   string
	ExtendedSymbols []string
	Holidays        []string // YYYY-MM-DD
}

// DefaultConfig is the US regular session with a 16:15 close for broad index ETFs.
func DefaultConfig() Config {
	return Config{
		Location:        "America/New_York",
		Open:            "09:30",
		Close:           "16:00",
		ExtendedClose:   "16:15",
		ExtendedSymbols: []string{"SPY", "QQQ", "IWM", "DIA"},
	}
}

// New builds a Schedule from cfg.
func New(cfg Config) (*Schedule, error) {
	loc := Eastern
	if cfg.Location != "" {
		l, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("invalid location %q: %w", cfg.Location, err)
		}
		loc = l
	}
	open, err := parseClock(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("invalid open: %w", err)
	}
	closeAt, err := parseClock(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("invalid close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("close %s must be after open %s", cfg.Close, cfg.Open)
	}
	extendedClose := closeAt
	if cfg.ExtendedClose != "" {
		if extendedClose, err = parseClock(cfg.ExtendedClose); err != nil {
			return nil, fmt.Errorf("invalid extended close: %w", err)
		}
		if extendedClose < closeAt {
			return nil, fmt.Errorf("extended close %s must not be before close %s", cfg.ExtendedClose, cfg.Close)
		}
	}

	s := &Schedule{
		loc:           loc,
		open:          open,
		close:         closeAt,
		extendedClose: extendedClose,
		extended:      make(map[string]bool, len(cfg.ExtendedSymbols)),
		holidays:      make(map[string]bool, len(cfg.Holidays)),
	}
	for _, sym := range cfg.ExtendedSymbols {
		s.extended[strings.ToUpper(sym)] = true
	}
	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation("2006-01-02", h, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		s.holidays[d.Format("2006-01-02")] = true
	}
	return s, nil
}

// Default returns the schedule for DefaultConfig.
func Default() *Schedule {
	s, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return s
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (s *Schedule) IsTradingDay(t time.Time) bool {
	lt := t.In(s.loc)
	if wd := lt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !s.holidays[lt.Format("2006-01-02")]
}

// CloseFor returns the session close (minutes after midnight) that applies to symbol.
func (s *Schedule) CloseFor(symbol string) int {
	if s.extended[strings.ToUpper(symbol)] {
		return s.extendedClose
	}
	return s.close
}

// IsEligible reports whether symbol may be collected at t.
func (s *Schedule) IsEligible(symbol string, t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	lt := t.In(s.loc)
	hm := lt.Hour()*60 + lt.Minute()
	return hm >= s.open && hm < s.CloseFor(symbol)
}

// AnyEligible reports whether at least one of symbols may be collected at t.
func (s *Schedule) AnyEligible(symbols []string, t time.Time) bool {
	for _, sym := range symbols {
		if s.IsEligible(sym, t) {
			return true
		}
	}
	return false
}

// NextOpen returns the next session open at or after t. If t is before today's open on a
// trading day, today's open is returned.
func (s *Schedule) NextOpen(t time.Time) time.Time {
	lt := t.In(s.loc)
	todayOpen := s.at(lt, s.open)
	if lt.Before(todayOpen) && s.IsTradingDay(lt) {
		return todayOpen
	}
	d := lt
	for i := 0; i < 14; i++ {
		d = time.Date(d.Year(), d.Month(), d.Day()+1, 12, 0, 0, 0, s.loc)
		if s.IsTradingDay(d) {
			return s.at(d, s.open)
		}
	}
	return s.at(time.Date(lt.Year(), lt.Month(), lt.Day()+1, 12, 0, 0, 0, s.loc), s.open)
}

// TimeUntilOpen returns the wait from t to the next session open.
func (s *Schedule) TimeUntilOpen(t time.Time) time.Duration {
	d := s.NextOpen(t).Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// Status returns a human-readable session status for symbol.
func (s *Schedule) Status(symbol string, t time.Time) string {
	if s.IsEligible(symbol, t) {
		lt := t.In(s.loc)
		closeAt := s.at(lt, s.CloseFor(symbol))
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(closeAt.Sub(lt)))
	}
	next := s.NextOpen(t)
	return fmt.Sprintf("Market Closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func (s *Schedule) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, s.loc)
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
