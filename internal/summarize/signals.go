package summarize

import (
	"math"
	"regexp"
	"strings"

	"github.com/vthunder/patterngraph/internal/graph"
)

var techTermRe = regexp.MustCompile(`(?i)\b(api|database|function|class|method|variable|async|promise|query|schema)\b`)

// Signals derives behavioural flags from keyword counts. An upstream intent
// of debugging, learning or refactoring forces its flag on; "building" has
// no flag and is only recorded.
func Signals(keywords map[string]int, intent string) graph.PatternSignals {
	s := graph.PatternSignals{
		IsDebugging:      keywords["error"] > 0 || keywords["fix"] > 0,
		IsLearning:       keywords["learn"] > 0 || keywords["understand"] > 0,
		IsRefactoring:    keywords["refactor"] > 0 || keywords["improve"] > 0,
		IsArchitecture:   keywords["architecture"] > 0 || keywords["pattern"] > 0,
		IsProblemSolving: keywords["issue"] > 0 && keywords["fix"] > 0,
		UrgencyScore:     UrgencyScore(keywords),
	}

	switch strings.ToLower(intent) {
	case "debugging":
		s.IsDebugging = true
	case "learning":
		s.IsLearning = true
	case "refactoring":
		s.IsRefactoring = true
	}
	s.Intent = intent
	return s
}

// ComplexityScore weighs length, code fences and technical vocabulary, in [0,1]
func ComplexityScore(text string) float64 {
	if text == "" {
		return 0
	}
	length := math.Min(float64(len(text))/1000, 1) * 0.3
	fences := math.Min(float64(strings.Count(text, "```"))/10, 1) * 0.3
	terms := math.Min(float64(len(techTermRe.FindAllStringIndex(text, -1)))/20, 1) * 0.4
	return math.Min(length+fences+terms, 1)
}

// UrgencyScore is min((error+fix+issue)/10, 1)
func UrgencyScore(keywords map[string]int) float64 {
	n := keywords["error"] + keywords["fix"] + keywords["issue"]
	return math.Min(float64(n)/10, 1)
}

// CodeSignals describes the parsed structure of a code entity
func CodeSignals(e *graph.Entity) *graph.CodeSignals {
	m := e.Metadata
	path := strings.ToLower(e.Path)
	lang := e.Language
	if lang == "" {
		lang = "unknown"
	}
	return &graph.CodeSignals{
		HasImports:    len(m.Imports) > 0,
		HasExports:    len(m.Exports) > 0,
		HasFunctions:  len(m.Functions) > 0,
		HasClasses:    len(m.Classes) > 0,
		HasComponents: len(m.Components) > 0,
		HasTypes:      len(m.Types) > 0,
		HasAPICalls:   len(m.APICalls) > 0,
		IsTestFile:    strings.Contains(path, "test") || strings.Contains(path, "spec"),
		IsConfigFile:  strings.Contains(path, "config") || strings.HasSuffix(path, ".json"),
		Language:      lang,
		FunctionCount: len(m.Functions),
		ClassCount:    len(m.Classes),
		ImportCount:   len(m.Imports),
	}
}

// CodeEmbeddingText is the text embedded for a code entity: its name, path,
// declared symbol names and the head of its source.
func CodeEmbeddingText(e *graph.Entity) string {
	parts := []string{e.Name, e.Path}
	for _, group := range [][]graph.CodeSymbol{e.Metadata.Functions, e.Metadata.Classes, e.Metadata.Components, e.Metadata.Types} {
		for _, sym := range group {
			parts = append(parts, sym.Name)
		}
	}
	parts = append(parts, headRunes(e.Content, 500))

	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

func headRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
