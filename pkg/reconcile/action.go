package reconcile

import (
	"fmt"

	"github.com/lexlapax/memfact/pkg/extraction"
	"github.com/lexlapax/memfact/pkg/mem/repository"
)

// Kind is the structural change an Action makes.
type Kind string

const (
	Add    Kind = "ADD"
	Update Kind = "UPDATE"
	Delete Kind = "DELETE"
	Noop   Kind = "NOOP"
)

func kindOf(event extraction.Event) (Kind, error) {
	switch event {
	case extraction.EventAdd:
		return Add, nil
	case extraction.EventUpdate:
		return Update, nil
	case extraction.EventDelete:
		return Delete, nil
	case extraction.EventNoop:
		return Noop, nil
	default:
		return "", fmt.Errorf("unknown classifier event %q", event)
	}
}

// Action is the decision for one candidate fact.
//
// Which fields are meaningful depends on Kind:
//
//	ADD     Content, Metadata, Vector
//	UPDATE  TargetID, Patch
//	DELETE  TargetID, ExpectedVersion
//	NOOP    TargetID when the candidate matches a stored item
type Action struct {
	Kind Kind

	Content  string
	Metadata map[string]interface{}

	// Vector is the candidate embedding, reused when Content is stored as is
	Vector []float32

	TargetID string
	Patch    repository.Patch

	// ExpectedVersion is the target version observed at classification
	ExpectedVersion int64

	// Note explains a demotion or a classifier failure
	Note string

	// Reason is the classifier's justification
	Reason string
}

// Outcome is the applied result of one candidate.
type Outcome struct {
	ItemID string `json:"item_id,omitempty"`
	Action Kind   `json:"action"`

	// Snapshot is the item after the action; for DELETE it is the removed item
	Snapshot *repository.MemoryItem `json:"item,omitempty"`

	Note   string `json:"note,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AddResult lists the outcome of every candidate of one add call in
// extraction order.
type AddResult struct {
	Results []Outcome `json:"results"`
}

// Count returns how many outcomes have kind k.
func (r AddResult) Count(k Kind) int {
	n := 0
	for _, o := range r.Results {
		if o.Action == k {
			n++
		}
	}
	return n
}

func snapshot(item repository.MemoryItem) *repository.MemoryItem {
	c := item.Clone()
	return &c
}
