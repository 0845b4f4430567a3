package cli

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"

	"github.com/Veraticus/psan/internal/model"
)

func TestFormatDecisionMarksExplicit(t *testing.T) {
	assert.Contains(t, FormatDecision(model.DecisionSecret, true), "SECRET*")
	assert.NotContains(t, FormatDecision(model.DecisionPublic, false), "*")
	assert.Contains(t, FormatDecision(model.DecisionNested, true), "NESTED")
}

func TestRenderTableAlignsColumns(t *testing.T) {
	out := RenderTable(
		[]string{"ID", "CONDITION"},
		[][]string{
			{"1", "John Smith"},
			{"12", FormatDecision(model.DecisionSecret, false)},
		},
	)

	lines := strings.Split(out, "\n")
	assert.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, out, "John Smith")
	assert.Contains(t, out, "CONDITION")

	width := lipgloss.Width(lines[len(lines)-1])
	assert.Equal(t, width, lipgloss.Width(lines[len(lines)-2]))
}
