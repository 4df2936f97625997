package gateway

import (
	"fmt"
	"strings"
)

const selectSystemPrompt = `You answer questions about a single table of data by calling exactly one of the provided tools.
Each tool is a built-in operation over the table. Pick the operation that answers the question directly and fill in its parameters.

Rules:
- Column parameters must use the exact column names from the schema, including case and spacing.
- Use numeric-only functions (sum, avg, min, max, median, std) only on numeric columns.
- If no single operation can answer the question, do not call any tool. Reply with one sentence explaining why.`

const scriptSystemPrompt = `You write short read-only analysis scripts that answer a question about a table named df.

Script format:
- A script is a sequence of bindings, each of the form: name = <query>;
- Every query is a single SELECT, WITH or FROM statement in DuckDB SQL.
- A query may read df and any binding defined earlier in the script.
- The final answer must be bound to the name result.
- Quote column names with double quotes, for example "Unit Price".

Restrictions:
- Only call functions from the allow-list below. Any other function call is rejected.
- Never reference files, URLs, other databases, system tables or settings.
- Never use statements other than SELECT, WITH and FROM.

Reply with the script only, inside a single fenced code block.`

func selectUserPrompt(req SelectRequest) string {
	var sb strings.Builder
	sb.WriteString(req.SchemaSummary)
	sb.WriteString("\nQuestion: ")
	sb.WriteString(req.Query)
	sb.WriteString("\n")
	if req.PriorError != "" {
		fmt.Fprintf(&sb, "\nA previous attempt failed with this error. Choose differently or fix the parameters:\n%s\n", req.PriorError)
	}
	return sb.String()
}

func scriptUserPrompt(req ScriptRequest) string {
	var sb strings.Builder
	sb.WriteString(req.SchemaSummary)
	sb.WriteString("\nAllowed functions: ")
	sb.WriteString(strings.Join(req.AllowList, ", "))
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(req.Query)
	sb.WriteString("\n")
	if req.PriorError != "" {
		fmt.Fprintf(&sb, "\nThe previous script failed with this error. Write a corrected script:\n%s\n", req.PriorError)
	}
	return sb.String()
}
