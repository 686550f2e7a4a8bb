package models

import "time"

// CaseDocument is an indexed case report.
type CaseDocument struct {
	ID         string
	SourceID   string
	Title      string
	Domain     string
	ChunkCount int
	IndexedAt  time.Time
}

// MappingErrorRow is one persisted link miss.
type MappingErrorRow struct {
	ID         int64
	SourceID   string
	EntityName string
	EntityType string
	Reason     string
	CreatedAt  time.Time
}

type ExtractionFailureRow struct {
	ID          int64
	SourceID    string
	Reason      string
	RawResponse string
	CreatedAt   time.Time
}

type WriteFailureRow struct {
	ID        int64
	CaseID    string
	SourceID  string
	Reason    string
	CreatedAt time.Time
}

type RunRow struct {
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
	DurationMS         int64
}

// MappingErrorSummary counts unresolved names so the seed file can be
// extended with aliases.
type MappingErrorSummary struct {
	EntityName  string
	EntityType  string
	Occurrences int
	LastSeen    time.Time
}
