package models

// Status is the outcome of one unit of work (a symbol collection or a backfill date).
type Status string

const (
	StatusSuccess         Status = "success"
	StatusNoData          Status = "no-data"
	StatusSkippedHours    Status = "skipped-hours"
	StatusSkippedExisting Status = "skipped-existing"
	StatusDryRun          Status = "dry-run"
	StatusError           Status = "error"
)

// Failed reports whether the status counts against the run's exit code.
func (s Status) Failed() bool {
	return s == StatusError
}
