package classifier

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

// template is a SIMPLE question shape tied to one registry operation. The "col" group
// captures a column phrase and the optional "n" group a row count.
type template struct {
	operation string
	re        *regexp.Regexp
	// types lists the column types the operation accepts; nil accepts any non-empty column.
	types []schema.Type
}

var numericOnly = []schema.Type{schema.TypeNumeric}

var simpleTemplates = []template{
	{"count_rows", regexp.MustCompile(`^(?:how many|number of|count(?: of)?|total number of) (?:all )?(?:the )?(?:rows|records|entries|lines|items)(?: (?:are )?(?:there|in (?:the |this )?(?:data ?set|data|table|file|sheet)))*$`), nil},
	{"count_rows", regexp.MustCompile(`^(?:row|record) count$`), nil},
	{"count_distinct", regexp.MustCompile(`^how many (?:unique|distinct|different) (?P<col>.+?)(?: values)?(?: are there)?$`), nil},
	{"count_distinct", regexp.MustCompile(`^(?:number|count) of (?:unique|distinct|different) (?P<col>.+?)(?: values)?$`), nil},
	{"list_unique", regexp.MustCompile(`^(?:list|show)(?: me)?(?: all)?(?: of)?(?: the)? (?:unique|distinct|different) (?P<col>.+?)(?: values)?$`), nil},
	{"list_unique", regexp.MustCompile(`^(?:unique|distinct) (?P<col>.+?)(?: values)?$`), nil},
	{"top_n", regexp.MustCompile(`^(?:top|highest|largest) (?P<n>\d+)(?: rows| records)?(?: by)? (?P<col>.+)$`), []schema.Type{schema.TypeNumeric, schema.TypeDate}},
	{"bottom_n", regexp.MustCompile(`^(?:bottom|lowest|smallest) (?P<n>\d+)(?: rows| records)?(?: by)? (?P<col>.+)$`), []schema.Type{schema.TypeNumeric, schema.TypeDate}},
	{"calculate_sum", regexp.MustCompile(`^(?:sum|total)(?: of)?(?: all)?(?: the)? (?P<col>.+)$`), numericOnly},
	{"calculate_sum", regexp.MustCompile(`^add up(?: all)?(?: the)? (?P<col>.+)$`), numericOnly},
	{"calculate_sum", regexp.MustCompile(`^(?P<col>.+?) (?:sum|total)$`), numericOnly},
	{"calculate_average", regexp.MustCompile(`^(?:average|mean|avg)(?: of)?(?: the)? (?P<col>.+)$`), numericOnly},
	{"calculate_average", regexp.MustCompile(`^(?P<col>.+?) (?:average|mean)$`), numericOnly},
	{"calculate_min", regexp.MustCompile(`^(?:min|minimum|lowest|smallest|least)(?: value)?(?: of| in)?(?: the)? (?P<col>.+)$`), numericOnly},
	{"calculate_max", regexp.MustCompile(`^(?:max|maximum|highest|largest|biggest|greatest)(?: value)?(?: of| in)?(?: the)? (?P<col>.+)$`), numericOnly},
	{"calculate_median", regexp.MustCompile(`^median(?: of)?(?: the)? (?P<col>.+)$`), numericOnly},
	{"calculate_std", regexp.MustCompile(`^(?:standard deviation|std dev|stdev|std)(?: of)?(?: the)? (?P<col>.+)$`), numericOnly},
	{"describe_column", regexp.MustCompile(`^(?:describe|summarize|summary of|stats for|statistics for)(?: the)? (?P<col>.+?)(?: column)?$`), nil},
}

// groupingWords in a column phrase mean the question says more than the template does.
var groupingWords = map[string]bool{
	"each": true, "per": true, "where": true, "for": true, "by": true, "and": true,
	"or": true, "group": true, "grouped": true, "when": true, "if": true, "with": true,
	"across": true, "than": true, "between": true, "over": true, "in": true,
	"whose": true, "which": true, "except": true, "excluding": true, "not": true,
	"without": true, "only": true, "top": true, "bottom": true,
}

// phraseFiller may surround a column name in a column phrase without changing what is asked.
var phraseFiller = map[string]bool{
	"the": true, "a": true, "an": true, "all": true, "column": true, "columns": true,
	"field": true, "value": true, "values": true, "col": true,
}

type matchKind string

const (
	matchExact     matchKind = "exact"
	matchSubstring matchKind = "substring"
	matchFuzzy     matchKind = "fuzzy"
)

var matchConfidence = map[matchKind]float64{
	matchExact:     0.95,
	matchSubstring: 0.85,
	matchFuzzy:     0.75,
}

func (c *PatternClassifier) matchSimple(q string, s *schema.Summary) (Result, bool) {
	body := stripFiller(q)
	for _, t := range simpleTemplates {
		m := t.re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		params := map[string]any{}
		confidence := 0.95
		reason := fmt.Sprintf("template %s", t.operation)

		if i := t.re.SubexpIndex("col"); i >= 0 {
			col, how, ok := c.resolveColumn(m[i], s)
			if !ok || !acceptsType(t.types, col.Type) {
				continue
			}
			params["column"] = col.Name
			confidence = matchConfidence[how]
			reason = fmt.Sprintf("template %s on column %q (%s match)", t.operation, col.Name, how)
		}
		if i := t.re.SubexpIndex("n"); i >= 0 {
			n, err := strconv.Atoi(m[i])
			if err != nil || n < 1 {
				continue
			}
			params["n"] = n
		}
		return Result{
			Complexity: Simple,
			Confidence: confidence,
			Reason:     reason,
			Operation:  t.operation,
			Params:     params,
		}, true
	}
	return Result{}, false
}

func acceptsType(types []schema.Type, t schema.Type) bool {
	if t == schema.TypeEmpty {
		return false
	}
	return types == nil || slices.Contains(types, t)
}

var (
	phraseTrim     = regexp.MustCompile(`^(?:the|column|field)\s+|\s+(?:column|field|values|value|col)$`)
	nameSeparators = strings.NewReplacer("_", " ", "-", " ", ".", " ", "/", " ")
)

// normName folds a column name or phrase to lowercase space-separated words.
func normName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, "\"'`")
	s = nameSeparators.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 4:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ses") && len(s) > 4:
		return s[:len(s)-2]
	case strings.HasSuffix(s, "s") && !strings.HasSuffix(s, "ss") && len(s) > 3:
		return s[:len(s)-1]
	}
	return s
}

func hasGroupingWord(phrase string) bool {
	for _, w := range strings.Fields(phrase) {
		if groupingWords[w] {
			return true
		}
	}
	return false
}

func containsWords(haystack, needle string) bool {
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

// resolveColumn maps a column phrase onto a schema column: exact name first, then a
// unique whole-word substring match, then a unique fuzzy match above the threshold.
func (c *PatternClassifier) resolveColumn(phrase string, s *schema.Summary) (*schema.Column, matchKind, bool) {
	raw := normName(phrase)
	p := raw
	for {
		trimmed := normName(phraseTrim.ReplaceAllString(p, ""))
		if trimmed == p || trimmed == "" {
			break
		}
		p = trimmed
	}
	if p == "" {
		return nil, "", false
	}

	for _, cand := range []string{raw, p} {
		for i := range s.Columns {
			name := normName(s.Columns[i].Name)
			if name == cand || singular(name) == singular(cand) {
				return &s.Columns[i], matchExact, true
			}
		}
	}
	if hasGroupingWord(p) {
		return nil, "", false
	}

	if col, ok := uniqueBest(s, func(name string) (float64, bool) {
		if len(name) < 3 {
			return 0, false
		}
		if containsWords(p, name) || containsWords(p, singular(name)) {
			if !onlyFillerAround(p, name) {
				return 0, false
			}
			return float64(len(name)), true
		}
		if len(p) >= 3 && (containsWords(name, p) || containsWords(name, singular(p))) {
			return float64(len(p)), true
		}
		return 0, false
	}); ok {
		if mentionsOtherField(p, col, s) {
			return nil, "", false
		}
		return col, matchSubstring, true
	}

	if col, ok := uniqueBest(s, func(name string) (float64, bool) {
		sim := similarity(p, name)
		return sim, sim >= c.threshold
	}); ok {
		if mentionsOtherField(p, col, s) {
			return nil, "", false
		}
		return col, matchFuzzy, true
	}
	return nil, "", false
}

// onlyFillerAround reports whether removing name from phrase leaves only filler words.
func onlyFillerAround(phrase, name string) bool {
	rest := " " + phrase + " "
	for _, n := range []string{name, singular(name)} {
		if strings.Contains(rest, " "+n+" ") {
			rest = strings.Replace(rest, " "+n+" ", " ", 1)
			break
		}
	}
	for _, w := range strings.Fields(rest) {
		if !phraseFiller[w] {
			return false
		}
	}
	return true
}

// mentionsOtherField reports whether phrase names a column other than col, or a sampled
// category value, which would make it a filter the template cannot express.
func mentionsOtherField(phrase string, col *schema.Column, s *schema.Summary) bool {
	for i := range s.Columns {
		other := &s.Columns[i]
		if other.Name != col.Name {
			if name := normName(other.Name); len(name) >= 3 && containsWords(phrase, name) {
				return true
			}
		}
		if other.Category == nil {
			continue
		}
		for _, v := range other.Category.Values {
			if value := normName(v.Value); value != "" && containsWords(phrase, value) {
				return true
			}
		}
	}
	return false
}

// uniqueBest returns the column with the highest score, failing on ties between columns.
func uniqueBest(s *schema.Summary, score func(name string) (float64, bool)) (*schema.Column, bool) {
	var best *schema.Column
	bestScore := -1.0
	tied := false
	for i := range s.Columns {
		sc, ok := score(normName(s.Columns[i].Name))
		if !ok {
			continue
		}
		switch {
		case sc > bestScore:
			best, bestScore, tied = &s.Columns[i], sc, false
		case sc == bestScore:
			tied = true
		}
	}
	if best == nil || tied {
		return nil, false
	}
	return best, true
}

// similarity is 1 - normalized Levenshtein distance.
func similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}
