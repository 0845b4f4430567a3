package model

import "fmt"

// EvidenceType is the kind of fact extracted from a tagged document.
type EvidenceType int

// Evidence kinds.
const (
	EvidenceNone EvidenceType = iota
	EvidenceNEType
	EvidenceLemma
	EvidenceWordType
)

func (t EvidenceType) String() string {
	switch t {
	case EvidenceNone:
		return "NONE"
	case EvidenceNEType:
		return "NE_TYPE"
	case EvidenceLemma:
		return "LEMMA"
	case EvidenceWordType:
		return "WORD_TYPE"
	default:
		return fmt.Sprintf("EvidenceType(%d)", int(t))
	}
}

// Evidence is a span plus the attribute that may justify a decision.
// For NE_TYPE evidence Value holds the entity type, for WORD_TYPE the
// token texts of the span.
type Evidence struct {
	Value    []string
	Interval Interval
	Type     EvidenceType
	Depth    int
}

// Nested reports whether the evidence comes from an ne inside another ne.
func (e Evidence) Nested() bool {
	return e.Depth > 1
}
