package types

import "fmt"

// IngestionStatus represents the lifecycle state of a document in the ingestion pipeline
type IngestionStatus string

const (
	IngestionStatusReceived IngestionStatus = "received"
	IngestionStatusChunked  IngestionStatus = "chunked"
	IngestionStatusEmbedded IngestionStatus = "embedded"
	IngestionStatusIndexed  IngestionStatus = "indexed"
	IngestionStatusComplete IngestionStatus = "complete"
	IngestionStatusFailed   IngestionStatus = "failed"
)

// AllIngestionStatuses returns all valid ingestion statuses in pipeline order
func AllIngestionStatuses() []IngestionStatus {
	return []IngestionStatus{
		IngestionStatusReceived,
		IngestionStatusChunked,
		IngestionStatusEmbedded,
		IngestionStatusIndexed,
		IngestionStatusComplete,
		IngestionStatusFailed,
	}
}

// IsValid checks if the ingestion status is valid
func (s IngestionStatus) IsValid() bool {
	switch s {
	case IngestionStatusReceived,
		IngestionStatusChunked,
		IngestionStatusEmbedded,
		IngestionStatusIndexed,
		IngestionStatusComplete,
		IngestionStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can happen from s
func (s IngestionStatus) IsTerminal() bool {
	return s == IngestionStatusComplete || s == IngestionStatusFailed
}

// IsStage reports whether s names a stage that can fail (chunked, embedded or indexed)
func (s IngestionStatus) IsStage() bool {
	switch s {
	case IngestionStatusChunked, IngestionStatusEmbedded, IngestionStatusIndexed:
		return true
	default:
		return false
	}
}

// String returns the string representation of the ingestion status
func (s IngestionStatus) String() string {
	return string(s)
}

// ParseIngestionStatus parses a string into an IngestionStatus
func ParseIngestionStatus(s string) (IngestionStatus, error) {
	status := IngestionStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid ingestion status: %s", s)
	}
	return status, nil
}
