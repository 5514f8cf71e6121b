package modelgate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Classifier assigns a conversation category to an incoming query.
// Implementations must be safe for concurrent use. The broker degrades to
// CategoryUnknown when Classify returns an error.
type Classifier interface {
	Classify(query string, history []Message) (ClassificationResult, error)
}

// TieredClassifier classifies in two tiers: a quick tier of deterministic
// pattern rules for high-confidence cases, and a full tier that scores
// keyword hits over the query plus the last HistoryWindow turns.
type TieredClassifier struct {
	// HistoryWindow is the number of prior turns the full tier considers.
	HistoryWindow int
}

var _ Classifier = (*TieredClassifier)(nil)

// NewTieredClassifier creates a TieredClassifier with the default
// three-turn history window.
func NewTieredClassifier() *TieredClassifier {
	return &TieredClassifier{HistoryWindow: 3}
}

type quickRule struct {
	pattern    *regexp.Regexp
	category   Category
	confidence float64
	reasoning  string
	webSearch  bool
}

var quickRules = []quickRule{
	{
		pattern:    regexp.MustCompile(`(?i)^\s*(hi|hello|hey|good (morning|afternoon|evening))[\s.!,]*$`),
		category:   CategoryGeneralChat,
		confidence: 0.95,
		reasoning:  "greeting pattern",
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(trains?|flights?|buses?)\b.*\bfrom\b.+\bto\b`),
		category:   CategoryResearch,
		confidence: 0.9,
		reasoning:  "travel lookup pattern",
		webSearch:  true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(schedule|timetable|timings?|weather (in|for|today)|latest news|stock price)\b`),
		category:   CategoryResearch,
		confidence: 0.85,
		reasoning:  "time-sensitive lookup pattern",
		webSearch:  true,
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(write|compose|draft)\b.*\b(poem|story|song|essay|haiku|lyrics|novel)\b`),
		category:   CategoryCreative,
		confidence: 0.9,
		reasoning:  "writing request pattern",
	},
	{
		pattern:    regexp.MustCompile("```|(?i)\\b(stack trace|segfault|compile error|null pointer|panic:|traceback)\\b"),
		category:   CategoryProgramming,
		confidence: 0.9,
		reasoning:  "code or error-output pattern",
	},
	{
		pattern:    regexp.MustCompile(`(?i)\b(solve|integrate|differentiate|factor)\b.*\b(equation|integral|derivative|expression|polynomial)\b`),
		category:   CategoryMathematics,
		confidence: 0.85,
		reasoning:  "math task pattern",
	},
}

// keyword weights for the full tier. Multi-word phrases are matched as
// substrings; single words on word boundaries.
var categoryKeywords = map[Category]map[string]int{
	CategoryProgramming: {
		"code": 2, "function": 1, "bug": 2, "compile": 2, "python": 2,
		"javascript": 2, "golang": 2, "algorithm": 2, "api": 1,
		"variable": 1, "loop": 1, "debug": 2, "syntax": 2, "class": 1,
	},
	CategoryMathematics: {
		"math": 2, "equation": 2, "algebra": 2, "calculus": 2,
		"geometry": 2, "theorem": 2, "proof": 1, "integral": 2,
		"derivative": 2, "matrix": 1, "probability": 2, "fraction": 1,
	},
	CategoryScience: {
		"physics": 2, "chemistry": 2, "biology": 2, "experiment": 1,
		"molecule": 2, "atom": 1, "cell": 1, "energy": 1, "quantum": 2,
		"evolution": 2, "photosynthesis": 2,
	},
	CategoryHistory: {
		"history": 2, "war": 1, "ancient": 2, "empire": 2, "century": 1,
		"revolution": 2, "dynasty": 2, "medieval": 2, "historical": 2,
	},
	CategoryLiterature: {
		"novel": 2, "poem": 1, "author": 2, "shakespeare": 2,
		"literature": 2, "literary": 2, "metaphor": 2, "protagonist": 2,
	},
	CategoryCreative: {
		"write a": 2, "story": 1, "creative": 2, "imagine": 1,
		"fiction": 2, "plot": 1, "brainstorm": 2, "character": 1,
	},
	CategoryResearch: {
		"research": 2, "find out": 2, "search": 1, "latest": 1,
		"current": 1, "sources": 2, "compare": 1, "look up": 2,
	},
	CategoryTechnical: {
		"server": 2, "install": 2, "configure": 2, "network": 1,
		"database": 2, "linux": 2, "docker": 2, "deployment": 2,
	},
	CategoryReasoning: {
		"why": 1, "explain": 1, "logic": 2, "puzzle": 2, "analyze": 1,
		"step by step": 2, "pros and cons": 2, "reasoning": 2,
	},
	CategoryGeneralChat: {
		"hello": 1, "thanks": 1, "how are you": 2, "chat": 1,
		"what's up": 2,
	},
}

// Quick runs only the quick tier. Returns nil when no rule matches with
// high confidence.
func (c *TieredClassifier) Quick(query string) *ClassificationResult {
	for _, rule := range quickRules {
		if rule.pattern.MatchString(query) {
			return &ClassificationResult{
				Category:       rule.category,
				Confidence:     rule.confidence,
				Reasoning:      rule.reasoning,
				NeedsWebSearch: rule.webSearch,
			}
		}
	}
	return nil
}

// Classify runs the quick tier first and escalates to the full tier on a
// miss. It never returns an error; the error return exists so learned
// classifiers can satisfy the same interface.
func (c *TieredClassifier) Classify(query string, history []Message) (ClassificationResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return ClassificationResult{
			Category:     CategoryUnknown,
			Confidence:   0,
			Reasoning:    "empty query",
			FallbackUsed: true,
		}, nil
	}

	if quick := c.Quick(query); quick != nil {
		return *quick, nil
	}

	return c.full(query, history), nil
}

func (c *TieredClassifier) full(query string, history []Message) ClassificationResult {
	window := c.HistoryWindow
	if window <= 0 {
		window = 3
	}

	turns := 1
	text := strings.ToLower(query)
	if n := len(history); n > 0 {
		start := n - window
		if start < 0 {
			start = 0
		}
		for _, m := range history[start:] {
			text += "\n" + strings.ToLower(m.Content)
			turns++
		}
	}

	scores := make(map[Category]int)
	total := 0
	for cat, kws := range categoryKeywords {
		for kw, weight := range kws {
			if containsKeyword(text, kw) {
				scores[cat] += weight
				total += weight
			}
		}
	}

	if total == 0 {
		return ClassificationResult{
			Category:     CategoryUnknown,
			Confidence:   0.2,
			Reasoning:    "no category signals found",
			FallbackUsed: true,
		}
	}

	// Deterministic winner: highest score, ties broken lexicographically.
	cats := make([]Category, 0, len(scores))
	for cat := range scores {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool {
		if scores[cats[i]] != scores[cats[j]] {
			return scores[cats[i]] > scores[cats[j]]
		}
		return cats[i] < cats[j]
	})

	winner := cats[0]
	confidence := float64(scores[winner]) / float64(total)
	if confidence > 0.95 {
		confidence = 0.95
	}

	return ClassificationResult{
		Category:   winner,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("%d keyword signal(s) for %s across %d turn(s)", scores[winner], winner, turns),
	}
}

var keywordBoundary = regexp.MustCompile(`[a-z0-9]`)

func containsKeyword(text, kw string) bool {
	if strings.ContainsRune(kw, ' ') {
		return strings.Contains(text, kw)
	}
	idx := 0
	for {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !keywordBoundary.MatchString(string(text[start-1]))
		afterOK := end == len(text) || !keywordBoundary.MatchString(string(text[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = end
	}
}
