// internal/words/words_test.go
package words

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

func TestGenerateWordCount(t *testing.T) {
	text := Generate(25)
	fields := strings.Fields(text)
	require.Len(t, fields, 25)
	for _, w := range fields {
		assert.Equal(t, strings.ToLower(w), w, "generated words are lowercase")
	}
}

func TestGenerateZeroAndNegative(t *testing.T) {
	assert.Empty(t, Generate(0))
	assert.Empty(t, Generate(-3))
}

func TestNewTimedSnippet(t *testing.T) {
	s := NewTimedSnippet(30)
	assert.Equal(t, "timed-30", s.ID)
	assert.True(t, s.IsTimedTest)
	assert.Equal(t, 30, s.DurationSeconds)
	assert.Len(t, strings.Fields(s.Text), initialWordCount)
	assert.True(t, models.IsTimedSnippetID(s.ID))
}
