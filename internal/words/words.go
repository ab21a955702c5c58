// internal/words/words.go
package words

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/models"
)

// commonWords is the pool timed tests draw from. Lowercase, no punctuation,
// so the generated stream matches what the client renders for timed mode.
var commonWords = []string{
	"the", "of", "to", "and", "a", "in", "is", "it", "you", "that",
	"he", "was", "for", "on", "are", "with", "as", "i", "his", "they",
	"be", "at", "one", "have", "this", "from", "or", "had", "by", "hot",
	"word", "but", "what", "some", "we", "can", "out", "other", "were", "all",
	"there", "when", "up", "use", "your", "how", "said", "an", "each", "she",
	"which", "do", "their", "time", "if", "will", "way", "about", "many", "then",
	"them", "write", "would", "like", "so", "these", "her", "long", "make", "thing",
	"see", "him", "two", "has", "look", "more", "day", "could", "go", "come",
	"did", "number", "sound", "no", "most", "people", "my", "over", "know", "water",
	"than", "call", "first", "who", "may", "down", "side", "been", "now", "find",
	"any", "new", "work", "part", "take", "get", "place", "made", "live", "where",
	"after", "back", "little", "only", "round", "man", "year", "came", "show", "every",
	"good", "me", "give", "our", "under", "name", "very", "through", "just", "form",
	"sentence", "great", "think", "say", "help", "low", "line", "differ", "turn", "cause",
	"much", "mean", "before", "move", "right", "boy", "old", "too", "same", "tell",
	"does", "set", "three", "want", "air", "well", "also", "play", "small", "end",
	"put", "home", "read", "hand", "port", "large", "spell", "add", "even", "land",
	"here", "must", "big", "high", "such", "follow", "act", "why", "ask", "men",
	"change", "went", "light", "kind", "off", "need", "house", "picture", "try", "us",
	"again", "animal", "point", "mother", "world", "near", "build", "self", "earth", "father",
}

// initialWordCount is how many words a fresh timed snippet starts with.
// Clients request more via timed:moreWords as they burn through them.
const initialWordCount = 25

// Generate returns a space-joined stream of wordCount random common words.
func Generate(wordCount int) string {
	if wordCount <= 0 {
		return ""
	}
	selected := make([]string, wordCount)
	for i := range selected {
		selected[i] = commonWords[rand.Intn(len(commonWords))]
	}
	return strings.Join(selected, " ")
}

// NewTimedSnippet builds a synthetic snippet for a timed test of the given
// duration. The "timed-<duration>" id shape is what routes its results to the
// duration-keyed leaderboard instead of the per-snippet race results.
func NewTimedSnippet(durationSeconds int) *models.Snippet {
	return &models.Snippet{
		ID:              fmt.Sprintf("timed-%d", durationSeconds),
		Text:            Generate(initialWordCount),
		IsTimedTest:     true,
		DurationSeconds: durationSeconds,
	}
}
