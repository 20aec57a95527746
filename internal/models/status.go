package models

import "fmt"

// DocumentStatus tracks a document through the ingestion pipeline.
// The UI polls this field; only the pipeline writes it.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal step.
// pending -> processing -> completed|failed. A terminal document may
// re-enter processing when the user triggers a fresh ingestion run.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch next {
	case StatusProcessing:
		return s == StatusPending || s == StatusCompleted || s == StatusFailed
	case StatusCompleted, StatusFailed:
		return s == StatusProcessing
	default:
		return false
	}
}

// TransitionSources lists the statuses a document may hold immediately
// before moving to next. Used to make the status UPDATE conditional so an
// illegal transition never reaches the row.
func TransitionSources(next DocumentStatus) []DocumentStatus {
	switch next {
	case StatusProcessing:
		return []DocumentStatus{StatusPending, StatusCompleted, StatusFailed}
	case StatusCompleted, StatusFailed:
		return []DocumentStatus{StatusProcessing}
	default:
		return nil
	}
}

// Terminal reports whether no further pipeline work happens for this status.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func ParseDocumentStatus(raw string) (DocumentStatus, error) {
	s := DocumentStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown document status %q", raw)
	}
	return s, nil
}
