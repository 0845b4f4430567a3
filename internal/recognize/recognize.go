// Package recognize turns raw text into tagged documents. Every recognizer
// produces the same format, so the rest of the system does not depend on
// which one ran.
package recognize

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/Veraticus/psan/internal/model"
	"github.com/Veraticus/psan/internal/tagged"
)

// Recognizer finds name entities in text. Token ids start at nextID and are
// contiguous; the number of tokens written is returned.
type Recognizer interface {
	Recognize(ctx context.Context, in io.Reader, out io.Writer, nextID int) (int, error)
}

// Config selects and configures a recognizer.
type Config struct {
	Kind      string
	Pattern   string
	NEType    string
	Binary    string
	Model     string
	Gazetteer string
}

// TwoUppercaseWords matches two adjacent capitalised words.
const TwoUppercaseWords = `[A-Z][a-z]+\s[A-Z][a-z]+`

// New creates a recognizer based on the provided configuration.
func New(cfg Config) (Recognizer, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "regex":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = TwoUppercaseWords
		}
		return NewRegex(pattern, cfg.NEType)
	case "binary":
		return NewBinary(cfg.Binary, cfg.Model)
	case "gazetteer":
		return LoadGazetteer(cfg.Gazetteer)
	default:
		return nil, fmt.Errorf("unsupported recognizer: %s", cfg.Kind)
	}
}

// entityFinder returns the entities of one line given its tokens.
type entityFinder func(line string, tokens []lineToken) []entity

// recognizeLines drives a line based recognizer. Lines are read with their
// terminators so the tagged output reproduces the input exactly.
func recognizeLines(ctx context.Context, in io.Reader, out io.Writer, nextID int, find entityFinder) (int, error) {
	reader := bufio.NewReader(in)
	enc := tagged.NewEncoder(out)
	enc.StartDocument()

	id := nextID
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		line, err := reader.ReadString('\n')
		if !utf8.ValidString(line) {
			return 0, fmt.Errorf("%w: line %d", model.ErrInvalidText, lineNo)
		}
		if len(line) > 0 {
			tokens := tokenize(line)
			id = writeLine(enc, line, tokens, nest(find(line, tokens)), id)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read input: %w", err)
		}
	}

	if err := enc.EndDocument(); err != nil {
		return 0, err
	}
	return id - nextID, nil
}
