package summarize

import (
	"regexp"
	"strings"
)

// Classifier maps text to sparse category counts
type Classifier interface {
	Classify(text string) map[string]int
}

// Category is one lexicon row: a name and the whole words that count toward it
type Category struct {
	Name  string
	Words []string
}

// DefaultCategories is the keyword lexicon used for summaries. A word may
// appear in more than one category and then counts toward each.
var DefaultCategories = []Category{
	// debugging
	{"error", []string{"error", "exception", "fail", "crash", "bug"}},
	{"debug", []string{"debug", "trace", "log", "console"}},
	{"fix", []string{"fix", "patch", "resolve", "solve"}},
	{"issue", []string{"issue", "problem", "trouble", "wrong"}},

	// learning
	{"learn", []string{"learn", "study", "understand", "research"}},
	{"implement", []string{"implement", "build", "create", "develop"}},
	{"understand", []string{"understand", "comprehend", "grasp"}},

	// architecture
	{"architecture", []string{"architecture", "structure", "design"}},
	{"pattern", []string{"pattern", "paradigm", "approach"}},
	{"system", []string{"system", "infrastructure", "framework"}},
	{"component", []string{"component", "module", "service"}},

	// refactoring
	{"refactor", []string{"refactor", "restructure", "reorganize"}},
	{"improve", []string{"improve", "enhance", "optimize"}},
	{"clean", []string{"clean", "tidy", "organize"}},

	{"test", []string{"test", "testing", "spec", "unit"}},
	{"deploy", []string{"deploy", "deployment", "production"}},
	{"performance", []string{"performance", "speed", "latency", "optimize"}},
	{"security", []string{"security", "auth", "authentication", "permission"}},
}

type compiledCategory struct {
	name string
	re   *regexp.Regexp
}

// Lexicon is a regexp-backed Classifier over a category table
type Lexicon struct {
	categories []compiledCategory
}

// NewLexicon compiles a category table into word-boundary patterns
func NewLexicon(categories []Category) *Lexicon {
	l := &Lexicon{}
	for _, c := range categories {
		words := make([]string, len(c.Words))
		for i, w := range c.Words {
			words[i] = regexp.QuoteMeta(strings.ToLower(w))
		}
		l.categories = append(l.categories, compiledCategory{
			name: c.Name,
			re:   regexp.MustCompile(`\b(` + strings.Join(words, "|") + `)\b`),
		})
	}
	return l
}

// DefaultLexicon returns a Lexicon over DefaultCategories
func DefaultLexicon() *Lexicon {
	return NewLexicon(DefaultCategories)
}

// Classify counts whole-word matches per category in the lower-cased text.
// Categories with no match are omitted.
func (l *Lexicon) Classify(text string) map[string]int {
	out := map[string]int{}
	if text == "" {
		return out
	}
	lower := strings.ToLower(text)
	for _, c := range l.categories {
		if n := len(c.re.FindAllStringIndex(lower, -1)); n > 0 {
			out[c.name] = n
		}
	}
	return out
}
