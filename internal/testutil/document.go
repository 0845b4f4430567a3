package testutil

import (
	"bytes"
	"testing"

	"github.com/Veraticus/psan/internal/tagged"
)

// Entity is an ne element for DocumentBuilder.
type Entity struct {
	Type  string
	Start int
	End   int
}

// DocumentBuilder writes a one-sentence tagged document of space separated
// tokens. Entities must nest properly.
type DocumentBuilder struct {
	t        *testing.T
	words    []string
	entities []Entity
}

// NewDocument starts a document with the given tokens.
func NewDocument(t *testing.T, words ...string) *DocumentBuilder {
	return &DocumentBuilder{t: t, words: words}
}

// WithEntity adds an ne over tokens start..end. Add outer entities before
// the entities nested in them.
func (b *DocumentBuilder) WithEntity(neType string, start, end int) *DocumentBuilder {
	b.entities = append(b.entities, Entity{Type: neType, Start: start, End: end})
	return b
}

// Build renders the document.
func (b *DocumentBuilder) Build() string {
	b.t.Helper()
	var buf bytes.Buffer
	enc := tagged.NewEncoder(&buf)
	enc.StartDocument()
	enc.StartSentence()
	for i, w := range b.words {
		if i > 0 {
			enc.Text(" ")
		}
		for _, e := range b.entities {
			if e.Start == i {
				enc.OpenNE(e.Type, e.Start, e.End)
			}
		}
		enc.Token(i, w)
		for j := len(b.entities) - 1; j >= 0; j-- {
			if b.entities[j].End == i {
				enc.CloseNE()
			}
		}
	}
	enc.EndSentence()
	if err := enc.EndDocument(); err != nil {
		b.t.Fatalf("failed to build document: %v", err)
	}
	return buf.String()
}
