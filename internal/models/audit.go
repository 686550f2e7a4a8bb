package models

import "time"

// ExtractionFailure is an audit record for a snippet whose extraction was discarded.
type ExtractionFailure struct {
	SourceID    string
	Reason      string
	RawResponse string
}

// WriteFailure is an audit record for a case transaction that did not commit.
type WriteFailure struct {
	CaseID   string
	SourceID string
	Reason   string
}

// RunRecord summarises one recommendation request.
type RunRecord struct {
	RunID              string
	DisasterType       string
	Magnitude          float64
	AffectedArea       string
	Snippets           int
	CasesWritten       int
	FailedWrites       int
	MappingErrors      int
	ExtractionFailures int
	Recommendations    int
	Status             string
	Error              string
	StartedAt          time.Time
	Duration           time.Duration
}
