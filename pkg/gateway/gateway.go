// Package gateway is the boundary to the language model. It turns a question into
// either a structured operation selection or the text of an analysis script.
//
// Everything a Gateway returns is untrusted: selections go through registry
// validation and scripts through the sandbox before anything runs.
package gateway

import (
	"context"
	"regexp"
	"strings"

	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/operations"
)

// SelectRequest asks the model to pick one catalog operation.
type SelectRequest struct {
	Query         string
	SchemaSummary string
	Catalog       []operations.CatalogEntry
	// PriorError describes why the previous attempt failed, if any.
	PriorError string
}

// Selection is an operation call chosen by the model.
type Selection struct {
	Operation string
	Params    map[string]any
}

// ScriptRequest asks the model for an analysis script.
type ScriptRequest struct {
	Query         string
	SchemaSummary string
	// AllowList names the functions the script may call.
	AllowList  []string
	PriorError string
}

// Gateway is implemented by language-model backends. Both calls honor ctx deadlines
// and cancellation.
type Gateway interface {
	// SelectOperation returns nil, nil when the model declines to pick an operation.
	SelectOperation(ctx context.Context, req SelectRequest) (*Selection, error)
	GenerateScript(ctx context.Context, req ScriptRequest) (string, error)
}

// Unavailable is the Gateway used when no model is configured. Every call fails with
// gateway_error, so only SIMPLE questions can be answered.
type Unavailable struct{}

var _ Gateway = Unavailable{}

func (Unavailable) SelectOperation(context.Context, SelectRequest) (*Selection, error) {
	return nil, failure.New(failure.GatewayError, "language model gateway is not configured")
}

func (Unavailable) GenerateScript(context.Context, ScriptRequest) (string, error) {
	return "", failure.New(failure.GatewayError, "language model gateway is not configured")
}

var codeBlock = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\n(.*?)```")

// ExtractScript pulls the script out of a model reply. Fenced code blocks win;
// otherwise the whole reply is used.
func ExtractScript(reply string) string {
	matches := codeBlock.FindAllStringSubmatch(reply, -1)
	if len(matches) > 0 {
		parts := make([]string, 0, len(matches))
		for _, m := range matches {
			if s := strings.TrimSpace(m[1]); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}
	return strings.TrimSpace(reply)
}
