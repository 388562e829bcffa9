package models

import "time"

// SymbolResult is the outcome of collecting one symbol.
type SymbolResult struct {
	Symbol    string
	Status    Status
	Message   string
	Aggregate *FlowAggregate // set on success

	Contracts  int // parsed from the chain
	Inserted   int // raw rows appended
	Duplicates int
	Unchanged  int // skipped by the change cache
	Duration   time.Duration
}

// RunSummary is the outcome of one collection pass over the target symbols.
type RunSummary struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Results  []SymbolResult
}

// Count returns the number of results with status s.
func (r *RunSummary) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Failed reports whether any symbol failed.
func (r *RunSummary) Failed() bool {
	for _, res := range r.Results {
		if res.Status.Failed() {
			return true
		}
	}
	return false
}

// FirstError returns the first failed result's message, or "".
func (r *RunSummary) FirstError() string {
	for _, res := range r.Results {
		if res.Status.Failed() {
			return res.Symbol + ": " + res.Message
		}
	}
	return ""
}
