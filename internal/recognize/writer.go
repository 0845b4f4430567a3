package recognize

import "github.com/Veraticus/psan/internal/tagged"

// writeLine emits one line of input as tagged text and returns the next
// free token id. A sentence ends after terminal punctuation unless an
// entity is still open, and always at the end of the line.
func writeLine(enc *tagged.Encoder, line string, tokens []lineToken, entities []entity, nextID int) int {
	pos := 0
	next := 0
	var open []entity
	inSentence := false

	for i, tok := range tokens {
		enc.Text(line[pos:tok.Start])
		if !inSentence {
			enc.StartSentence()
			inSentence = true
		}

		for next < len(entities) && entities[next].First == i {
			e := entities[next]
			enc.OpenNE(e.Type, nextID+e.First, nextID+e.Last)
			open = append(open, e)
			next++
		}

		enc.Token(nextID+i, tok.Text)
		pos = tok.End

		for len(open) > 0 && open[len(open)-1].Last == i {
			enc.CloseNE()
			open = open[:len(open)-1]
		}

		if isSentenceEnd(tok.Text) && len(open) == 0 {
			enc.EndSentence()
			inSentence = false
		}
	}

	if inSentence {
		enc.EndSentence()
	}
	enc.Text(line[pos:])
	return nextID + len(tokens)
}
