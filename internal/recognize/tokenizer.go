package recognize

import (
	"regexp"
	"sort"
)

// tokenPattern splits text into words and single punctuation marks.
var tokenPattern = regexp.MustCompile(`[\p{L}\p{M}\p{N}]+(?:['’][\p{L}\p{M}\p{N}]+)*|[^\s\p{L}\p{M}\p{N}]`)

// lineToken is a token with its byte offsets in the line.
type lineToken struct {
	Text  string
	Start int
	End   int
}

func tokenize(line string) []lineToken {
	locs := tokenPattern.FindAllStringIndex(line, -1)
	tokens := make([]lineToken, len(locs))
	for i, loc := range locs {
		tokens[i] = lineToken{Text: line[loc[0]:loc[1]], Start: loc[0], End: loc[1]}
	}
	return tokens
}

func isSentenceEnd(text string) bool {
	return text == "." || text == "!" || text == "?"
}

// entity spans the tokens First..Last of one line.
type entity struct {
	Type  string
	First int
	Last  int
}

// nest orders entities so that enclosing spans open first and drops spans
// that cross an already accepted span, since tags must nest.
func nest(entities []entity) []entity {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].First != entities[j].First {
			return entities[i].First < entities[j].First
		}
		return entities[i].Last > entities[j].Last
	})

	accepted := make([]entity, 0, len(entities))
	for _, e := range entities {
		if !crossesAny(e, accepted) {
			accepted = append(accepted, e)
		}
	}
	return accepted
}

func crossesAny(e entity, accepted []entity) bool {
	for _, a := range accepted {
		if a.First == e.First && a.Last == e.Last && a.Type == e.Type {
			return true
		}
		overlaps := e.First <= a.Last && a.First <= e.Last
		nested := (a.First <= e.First && e.Last <= a.Last) || (e.First <= a.First && a.Last <= e.Last)
		if overlaps && !nested {
			return true
		}
	}
	return false
}

// tokensWithin maps a byte range to the tokens fully inside it.
func tokensWithin(tokens []lineToken, start, end int) (int, int, bool) {
	first, last := -1, -1
	for i, t := range tokens {
		if t.Start >= start && t.End <= end {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	return first, last, first >= 0
}
