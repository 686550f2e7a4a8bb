package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEntity is returned when an extracted entity violates its invariants.
	ErrInvalidEntity = errors.New("models: invalid entity")

	// ErrMalformedExtraction is returned when the LLM output does not match the entity schema.
	ErrMalformedExtraction = errors.New("models: malformed extraction output")

	// ErrExtractionTimeout is returned when the structured extraction call exceeds its deadline.
	ErrExtractionTimeout = errors.New("models: extraction timed out")

	// ErrLinkMiss is recorded when no linking tier matched an entity.
	ErrLinkMiss = errors.New("models: entity not linked")

	// ErrWriteFailed is returned when a case transaction did not commit.
	ErrWriteFailed = errors.New("models: case write failed")

	// ErrGraphUnavailable is returned when the graph store cannot serve a read.
	ErrGraphUnavailable = errors.New("models: graph store unavailable")

	// ErrIncompleteEvidence is returned when a recommendation lacks a required evidence key.
	ErrIncompleteEvidence = errors.New("models: incomplete evidence")

	// ErrInvalidRecommendation is returned for recommendations with out-of-range values.
	ErrInvalidRecommendation = errors.New("models: invalid recommendation")

	// ErrInvalidCase is returned when a case node violates its invariants.
	ErrInvalidCase = errors.New("models: invalid case")

	// ErrInvalidRequest is returned for a disaster profile that cannot be queried.
	ErrInvalidRequest = errors.New("models: invalid recommendation request")
)

// Stage names a pipeline stage for per-snippet failures.
type Stage string

const (
	StageRetrieval  Stage = "retrieval"
	StageExtraction Stage = "extraction"
	StageLinking    Stage = "linking"
	StageWrite      Stage = "write"
)

// StageFailure is a recovered failure scoped to one snippet or entity.
type StageFailure struct {
	SourceID string
	Stage    Stage
	Subject  string
	Err      error
}

func (f *StageFailure) Error() string {
	if f.Subject != "" {
		return fmt.Sprintf("%s failed for %s (%s): %v", f.Stage, f.SourceID, f.Subject, f.Err)
	}
	return fmt.Sprintf("%s failed for %s: %v", f.Stage, f.SourceID, f.Err)
}

func (f *StageFailure) Unwrap() error { return f.Err }
