package orchestrator

import (
	"math"
	"regexp"

	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/formatter"
)

// emptyAllowed matches questions whose honest answer may be "nothing".
var emptyAllowed = regexp.MustCompile(`(?i)\b(?:any|are there|is there|whether|exists?|none)\b`)

// validate accepts a result only if it is present, finite and, unless the question
// allows an empty answer, non-empty. Accepted results come back formatted.
func validate(query string, value any) (*formatter.Envelope, error) {
	if value == nil {
		return nil, failure.New(failure.ResultValidationFailed, "result is null")
	}
	if f, ok := value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil, failure.New(failure.ResultValidationFailed, "result is not a finite number")
	}
	env, err := formatter.Format(value)
	if err != nil {
		return nil, failure.Wrap(failure.ResultValidationFailed, err, "result cannot be formatted: %v", err)
	}
	if !env.Finite() {
		return nil, failure.New(failure.ResultValidationFailed, "result is not a finite number")
	}
	if env.IsEmpty() && !emptyAllowed.MatchString(query) {
		return nil, failure.New(failure.ResultValidationFailed, "result is empty but the question expects at least one %s", emptyUnit(env))
	}
	return env, nil
}

func emptyUnit(env *formatter.Envelope) string {
	if env.ResultType == formatter.TypeList {
		return "value"
	}
	return "row"
}
