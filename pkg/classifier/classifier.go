// Package classifier maps a natural-language question to the cheapest execution tier
// that can answer it.
//
// Classification is pure and deterministic: the same question over the same schema
// always produces the same Result. Templates are tried first, then COMPLEX and MEDIUM
// indicators, and finally a numeric heuristic. When the signals are weak the result
// is the lowest tier that could still answer the question, never a higher one.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/schema"
)

// Complexity is an execution tier, ordered by cost.
type Complexity string

const (
	Simple  Complexity = "SIMPLE"
	Medium  Complexity = "MEDIUM"
	Complex Complexity = "COMPLEX"
)

// Rank orders tiers: SIMPLE < MEDIUM < COMPLEX.
func (c Complexity) Rank() int {
	switch c {
	case Simple:
		return 1
	case Medium:
		return 2
	case Complex:
		return 3
	}
	return 0
}

// Next returns the tier above c, or c itself at the top.
func (c Complexity) Next() Complexity {
	switch c {
	case Simple:
		return Medium
	default:
		return Complex
	}
}

const (
	DefaultFuzzyThreshold = 0.8

	// ambiguousBelow marks results whose confidence is too low to trust.
	ambiguousBelow = 0.5
)

// Result is the outcome of classifying one question.
type Result struct {
	Complexity Complexity     `json:"complexity"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
	Ambiguous  bool           `json:"ambiguous,omitempty"`
	Operation  string         `json:"suggested_operation,omitempty"`
	Params     map[string]any `json:"extracted_params,omitempty"`
}

// Classifier assigns an execution tier to a question.
type Classifier interface {
	Classify(query string, s *schema.Summary) Result
}

type Config struct {
	// FuzzyThreshold is the minimum similarity (0..1) for a fuzzy column-name match.
	FuzzyThreshold float64
}

func (cfg *Config) Validate() error {
	if cfg.FuzzyThreshold == 0 {
		cfg.FuzzyThreshold = DefaultFuzzyThreshold
	}
	if cfg.FuzzyThreshold < 0 || cfg.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be between 0 and 1, got %v", cfg.FuzzyThreshold)
	}
	return nil
}

// PatternClassifier is the rule-based Classifier.
type PatternClassifier struct {
	threshold float64
}

var _ Classifier = (*PatternClassifier)(nil)

func New(cfg Config) (*PatternClassifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PatternClassifier{threshold: cfg.FuzzyThreshold}, nil
}

func (c *PatternClassifier) Classify(query string, s *schema.Summary) Result {
	r := c.classify(query, s)
	r.Ambiguous = r.Confidence < ambiguousBelow
	return r
}

func (c *PatternClassifier) classify(query string, s *schema.Summary) Result {
	q := normalizeQuery(query)
	if q == "" {
		return Result{Complexity: Medium, Confidence: 0, Reason: "empty question"}
	}

	if r, ok := c.matchSimple(q, s); ok {
		return r
	}
	for _, ind := range complexIndicators {
		if ind.re.MatchString(q) {
			return Result{Complexity: Complex, Confidence: 0.85, Reason: "complex indicator: " + ind.name}
		}
	}
	for _, ind := range mediumIndicators {
		if ind.re.MatchString(q) {
			return Result{Complexity: Medium, Confidence: 0.75, Reason: "medium indicator: " + ind.name}
		}
	}
	return heuristic(q)
}

type indicator struct {
	name string
	re   *regexp.Regexp
}

var complexIndicators = []indicator{
	{"per-group top-n", regexp.MustCompile(`\b(?:top|bottom|best|worst|highest|lowest|largest|smallest|first|last)\s+\d+\b.*\b(?:in|for|within|per|by|across)\s+(?:each|every|all)\b`)},
	{"per-group top-n", regexp.MustCompile(`\b(?:top|bottom)\s+\d+\b.*\b(?:per|each)\s+\w+`)},
	{"correlation", regexp.MustCompile(`\b(?:correlat\w*|relationship between|covarian\w*|regression|r-squared)\b`)},
	{"statistical term", regexp.MustCompile(`\b(?:standard deviation|variance|stdev|quartiles?|distribution|outliers?|z-scores?|skew\w*|kurtosis|moving average|rolling|cumulative|running total)\b`)},
	{"pivot", regexp.MustCompile(`\b(?:pivot|cross-?tab\w*)\b|\bbreak\s*down\b.*\bby\b.*\band\b`)},
	{"aggregate of aggregate", regexp.MustCompile(`\b(?:average|mean|sum|total|max|maximum|min|minimum|count)\s+(?:of\s+)?(?:the\s+)?(?:average|mean|sum|total|max|maximum|min|minimum|counts?)\b`)},
	{"share", regexp.MustCompile(`\b(?:percentage|percent|share|proportion|ratio|fraction)\s+of\b`)},
	{"trend", regexp.MustCompile(`\b(?:growth|change|increase|decrease|trend\w*)\b.*\b(?:over time|by (?:day|week|month|quarter|year)|monthly|yearly|quarterly|weekly)\b|\b(?:month|year|quarter|week) over (?:month|year|quarter|week)\b`)},
	{"ranking", regexp.MustCompile(`\b(?:rank|ranking|ranked)\b`)},
}

var mediumIndicators = []indicator{
	{"conditional filter", regexp.MustCompile(`\b(?:where|which|whose|that (?:have|has|are|is)|with|without|only|excluding|except|if|when)\b`)},
	{"comparison", regexp.MustCompile(`\b(?:greater|more|less|fewer|higher|lower|above|below|over|under|at least|at most|between|equals?|exceed\w*|than)\b|[<>]=?|!=|=`)},
	{"grouping", regexp.MustCompile(`\b(?:by|per|each|every|grouped|group)\b`)},
	{"boolean condition", regexp.MustCompile(`\b(?:and|or|not|both|either|neither)\b`)},
	{"ranking", regexp.MustCompile(`\b(?:top|bottom|highest|lowest|largest|smallest|most|least|best|worst)\b`)},
	{"ordering", regexp.MustCompile(`\b(?:sort|sorted|order|ordered)\b`)},
	{"lookup", regexp.MustCompile(`\b(?:find|show|list|lookup|look up|which|who)\b`)},
}

var (
	comparisonToken  = regexp.MustCompile(`[<>]=?|!=|=|\b(?:greater|less|more|fewer|above|below|than)\b`)
	numericLiteral   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	conjunctionToken = regexp.MustCompile(`\b(?:and|or|then|also|plus)\b`)
)

// heuristic scores questions no rule recognized. Only a template can produce a SIMPLE
// operation, so low scores land on MEDIUM.
func heuristic(q string) Result {
	score := 0
	words := len(strings.Fields(q))
	switch {
	case words > 14:
		score += 2
	case words > 7:
		score++
	}
	score += min(len(comparisonToken.FindAllString(q, -1)), 2)
	if numericLiteral.MatchString(q) {
		score++
	}
	score += len(conjunctionToken.FindAllString(q, -1))

	switch {
	case score >= 4:
		return Result{Complexity: Complex, Confidence: 0.55, Reason: fmt.Sprintf("heuristic score %d", score)}
	case score >= 2:
		return Result{Complexity: Medium, Confidence: 0.4, Reason: fmt.Sprintf("heuristic score %d, defaulting to the lower tier", score)}
	default:
		return Result{Complexity: Medium, Confidence: 0.5, Reason: fmt.Sprintf("heuristic score %d", score)}
	}
}

var (
	leadingFiller = regexp.MustCompile(`^(?:(?:please|can you|could you|would you|tell me|show me|give me|i want|i need|calculate|compute|find|get|what(?:'s| is| are| was| were)?)\s+)+(?:the\s+)?`)
	trailingPunct = regexp.MustCompile(`[\s?.!;:]+$`)
	spaces        = regexp.MustCompile(`\s+`)
)

// normalizeQuery lowercases, collapses whitespace and drops trailing punctuation.
func normalizeQuery(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = spaces.ReplaceAllString(q, " ")
	q = trailingPunct.ReplaceAllString(q, "")
	return q
}

// stripFiller removes conversational lead-ins so templates can anchor at the start.
func stripFiller(q string) string {
	return strings.TrimSpace(leadingFiller.ReplaceAllString(q, ""))
}
