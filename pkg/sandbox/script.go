package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

// ResultBinding is the binding a script must assign its answer to.
const ResultBinding = "result"

// Binding is one `name = query;` assignment.
type Binding struct {
	Name  string
	Query string
}

// Script is a screened, well-formed script ready for an Evaluator.
type Script struct {
	Bindings []Binding
}

// Check runs both gates over script text: the safety scan first, then the structure
// check. Nothing is executed.
func Check(text string) (*Script, error) {
	toks, lexErr := lex(text)
	if findings := scan(toks); len(findings) > 0 {
		return nil, failure.New(failure.ScriptUnsafe, "script rejected: %s", strings.Join(findings, "; "))
	}
	if lexErr != nil {
		return nil, failure.Wrap(failure.ScriptInvalid, lexErr, "script is malformed: %v", lexErr)
	}
	return parse(text, toks)
}

// scan returns one finding per forbidden token.
func scan(toks []token) []string {
	var findings []string
	seen := map[string]bool{}
	add := func(format string, args ...any) {
		f := fmt.Sprintf(format, args...)
		if !seen[f] {
			seen[f] = true
			findings = append(findings, f)
		}
	}

	// fromClause tracks, per parenthesis depth, whether we are in a FROM/JOIN table list.
	fromClause := []bool{false}
	for i, t := range toks {
		depth := len(fromClause) - 1
		var prev, next token
		if i > 0 {
			prev = toks[i-1]
		}
		if i+1 < len(toks) {
			next = toks[i+1]
		}

		switch t.kind {
		case tokSymbol:
			switch t.text {
			case "$":
				add("parameters and dollar-quoted strings are not allowed")
			case "(":
				fromClause = append(fromClause, fromClause[depth])
			case ")":
				if depth > 0 {
					fromClause = fromClause[:depth]
				}
			case ";":
				fromClause = []bool{false}
			}
			continue

		case tokString:
			// DATE '2024-01-01' and friends are typed literals, as in extract(year FROM DATE '...').
			if fromClause[depth] && !prev.keyword("date", "time", "timestamp", "timestamptz", "interval") {
				add("file reference %q is not allowed", t.text)
			}
			continue

		case tokEscapeString:
			add("escape string literals are not allowed")
			continue

		case tokNumber:
			continue
		}

		name := t.text
		if deniedName(name) {
			add("system catalog %s is not allowed", name)
		}
		if t.kind == tokQuotedIdent && fromClause[depth] && strings.ContainsAny(name, "./\\:") {
			add("file reference %q is not allowed", name)
		}
		if t.kind == tokIdent {
			switch {
			case has(deniedKeywords, name):
				add("keyword %s is not allowed", strings.ToUpper(name))
			case name == "from" && prev.keyword("distinct"):
				// IS [NOT] DISTINCT FROM compares values.
			case name == "from" || name == "join":
				fromClause[depth] = true
			case t.keyword("where", "group", "order", "having", "limit", "offset", "qualify",
				"window", "union", "intersect", "except", "select", "on", "using", "values"):
				fromClause[depth] = false
			}
		}

		if !next.is(tokSymbol, "(") {
			continue
		}
		if t.kind == tokIdent && has(callKeywords, name) {
			continue
		}
		// Type parameters such as DECIMAL(10, 2) and alias column lists.
		if prev.keyword("as") || prev.is(tokSymbol, "::") {
			continue
		}
		if fromClause[depth] && aliasColumnList(toks, i) {
			continue
		}
		if !has(allowedFunctions, strings.ToLower(name)) {
			add("function %s is not allowed", strings.ToLower(name))
		}
	}
	return findings
}

// aliasColumnList reports whether toks[i] is a table alias written without AS and
// followed by its column list, as in FROM df t(a, b) or FROM (SELECT ...) t(a).
func aliasColumnList(toks []token, i int) bool {
	if i < 2 {
		return false
	}
	prev, before := toks[i-1], toks[i-2]
	if prev.is(tokSymbol, ")") {
		return true
	}
	if prev.kind != tokIdent && prev.kind != tokQuotedIdent {
		return false
	}
	if prev.keyword("lateral", "from", "join") {
		return false
	}
	return before.keyword("from", "join") || before.is(tokSymbol, ",")
}

var bindingName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// parse splits a screened script into bindings and checks its shape.
func parse(text string, toks []token) (*Script, error) {
	invalid := func(format string, args ...any) error {
		return failure.New(failure.ScriptInvalid, format, args...)
	}
	if len(toks) == 0 {
		return nil, invalid("script is empty")
	}

	runes := []rune(text)
	var (
		statements [][]token
		ends       []int
		current    []token
		depth      int
	)
	for _, t := range toks {
		if t.kind == tokSymbol {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
				if depth < 0 {
					return nil, invalid("unbalanced parentheses")
				}
			case ";":
				if depth == 0 {
					if len(current) > 0 {
						statements = append(statements, current)
						ends = append(ends, t.pos)
					}
					current = nil
					continue
				}
			}
		}
		current = append(current, t)
	}
	if depth != 0 {
		return nil, invalid("unbalanced parentheses")
	}
	if len(current) > 0 {
		statements = append(statements, current)
		ends = append(ends, len(runes))
	}

	script := &Script{}
	defined := map[string]bool{}
	for n, stmt := range statements {
		if len(stmt) < 3 || stmt[0].kind != tokIdent || !stmt[1].is(tokSymbol, "=") {
			return nil, invalid("statement %d is not of the form name = query", n+1)
		}
		name := stmt[0].text
		switch {
		case !bindingName.MatchString(name):
			return nil, invalid("binding name %q is not a plain identifier", name)
		case name == schema.TableName:
			return nil, invalid("binding name %s is reserved for the dataset", name)
		case defined[name]:
			return nil, invalid("binding %s is assigned more than once", name)
		}
		if first := stmt[2]; !first.keyword("select", "with", "from") && !first.is(tokSymbol, "(") {
			return nil, invalid("binding %s must be a SELECT, WITH or FROM query", name)
		}
		defined[name] = true
		script.Bindings = append(script.Bindings, Binding{
			Name:  name,
			Query: strings.TrimSpace(string(runes[stmt[2].pos:ends[n]])),
		})
	}
	if !defined[ResultBinding] {
		return nil, failure.New(failure.ResultMissing, "script does not assign %s", ResultBinding)
	}
	return script, nil
}
