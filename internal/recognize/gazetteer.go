package recognize

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GazetteerEntry lists the phrases of one entity type.
type GazetteerEntry struct {
	Type    string   `yaml:"type"`
	Phrases []string `yaml:"phrases"`
}

// GazetteerFile is the YAML dictionary format.
type GazetteerFile struct {
	Entities []GazetteerEntry `yaml:"entities"`
}

type phrase struct {
	neType string
	words  []string
}

// Gazetteer tags every dictionary phrase found in the text. Matching is
// case-insensitive on whole tokens; a phrase inside a longer phrase becomes
// a nested entity.
type Gazetteer struct {
	byFirst map[string][]phrase
}

// LoadGazetteer reads a YAML dictionary from path.
func LoadGazetteer(path string) (*Gazetteer, error) {
	if path == "" {
		return nil, fmt.Errorf("gazetteer path is not configured")
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read gazetteer: %w", err)
	}
	var file GazetteerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse gazetteer: %w", err)
	}
	return NewGazetteer(file.Entities)
}

// NewGazetteer builds a gazetteer from entries.
func NewGazetteer(entries []GazetteerEntry) (*Gazetteer, error) {
	g := &Gazetteer{byFirst: make(map[string][]phrase)}
	for _, e := range entries {
		if strings.TrimSpace(e.Type) == "" {
			return nil, fmt.Errorf("gazetteer entry without type")
		}
		for _, p := range e.Phrases {
			tokens := tokenize(p)
			if len(tokens) == 0 {
				continue
			}
			words := make([]string, len(tokens))
			for i, t := range tokens {
				words[i] = strings.ToLower(t.Text)
			}
			g.byFirst[words[0]] = append(g.byFirst[words[0]], phrase{neType: e.Type, words: words})
		}
	}
	return g, nil
}

// Recognize implements Recognizer.
func (g *Gazetteer) Recognize(ctx context.Context, in io.Reader, out io.Writer, nextID int) (int, error) {
	return recognizeLines(ctx, in, out, nextID, g.find)
}

func (g *Gazetteer) find(_ string, tokens []lineToken) []entity {
	var entities []entity
	for i, tok := range tokens {
		for _, p := range g.byFirst[strings.ToLower(tok.Text)] {
			if matchesAt(tokens, i, p.words) {
				entities = append(entities, entity{Type: p.neType, First: i, Last: i + len(p.words) - 1})
			}
		}
	}
	return entities
}

func matchesAt(tokens []lineToken, at int, words []string) bool {
	if at+len(words) > len(tokens) {
		return false
	}
	for j, w := range words {
		if strings.ToLower(tokens[at+j].Text) != w {
			return false
		}
	}
	return true
}
