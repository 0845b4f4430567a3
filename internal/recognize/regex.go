package recognize

import (
	"context"
	"fmt"
	"io"
	"regexp"
)

// DefaultRegexType is the entity type emitted by the regex recognizer.
const DefaultRegexType = "re"

// Regex marks every match of a pattern as one entity.
type Regex struct {
	pattern *regexp.Regexp
	neType  string
}

// NewRegex compiles the pattern.
func NewRegex(pattern, neType string) (*Regex, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid recognizer pattern: %w", err)
	}
	if neType == "" {
		neType = DefaultRegexType
	}
	return &Regex{pattern: re, neType: neType}, nil
}

// Recognize implements Recognizer.
func (r *Regex) Recognize(ctx context.Context, in io.Reader, out io.Writer, nextID int) (int, error) {
	return recognizeLines(ctx, in, out, nextID, r.find)
}

func (r *Regex) find(line string, tokens []lineToken) []entity {
	var entities []entity
	for _, loc := range r.pattern.FindAllStringIndex(line, -1) {
		if first, last, ok := tokensWithin(tokens, loc[0], loc[1]); ok {
			entities = append(entities, entity{Type: r.neType, First: first, Last: last})
		}
	}
	return entities
}
