package sandbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
)

const (
	DefaultMaxMemory     = "256MB"
	DefaultMaxResultRows = 100_000
)

type DuckDBConfig struct {
	Logger *slog.Logger

	// MaxMemory caps the engine's memory, in DuckDB size syntax.
	MaxMemory string
	Threads   int

	// MaxResultRows caps the rows read back from the result binding.
	MaxResultRows int
}

func (cfg *DuckDBConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = DefaultMaxMemory
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.MaxResultRows <= 0 {
		cfg.MaxResultRows = DefaultMaxResultRows
	}
	return nil
}

// DuckDB evaluates scripts in a fresh in-memory DuckDB database per call. The engine is
// opened without external access or extension loading, and its configuration is locked
// once the dataset is loaded.
type DuckDB struct {
	log *slog.Logger
	cfg DuckDBConfig
	dsn string
}

var _ Evaluator = (*DuckDB)(nil)

func NewDuckDB(cfg DuckDBConfig) (*DuckDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate duckdb config: %w", err)
	}
	opts := url.Values{}
	opts.Set("enable_external_access", "false")
	opts.Set("autoinstall_known_extensions", "false")
	opts.Set("autoload_known_extensions", "false")
	opts.Set("threads", strconv.Itoa(cfg.Threads))
	opts.Set("max_memory", cfg.MaxMemory)
	return &DuckDB{
		log: cfg.Logger,
		cfg: cfg,
		dsn: "?" + opts.Encode(),
	}, nil
}

func (d *DuckDB) Evaluate(ctx context.Context, table *Table, script *Script) (*Evaluation, error) {
	db, err := sql.Open("duckdb", d.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ev := &Evaluation{}
	if err := loadTable(ctx, conn, table); err != nil {
		return ev, fmt.Errorf("failed to load dataset: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SET lock_configuration = true"); err != nil {
		return ev, fmt.Errorf("failed to lock configuration: %w", err)
	}
	ev.Diagnostics = append(ev.Diagnostics, fmt.Sprintf("loaded %s: %d rows, %d columns", table.Name, len(table.Rows), len(table.Columns)))

	for _, b := range script.Bindings {
		stmt := fmt.Sprintf("CREATE TEMP VIEW %s AS %s", quoteIdent(b.Name), b.Query)
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			if ctx.Err() != nil {
				return ev, ctx.Err()
			}
			return ev, failure.Wrap(failure.ScriptInvalid, err, "binding %s: %s", b.Name, failure.Sanitize(err.Error()))
		}
		ev.Diagnostics = append(ev.Diagnostics, "bound "+b.Name)
	}

	result, err := d.readResult(ctx, conn)
	if err != nil {
		return ev, err
	}
	ev.Result = result
	ev.Diagnostics = append(ev.Diagnostics, fmt.Sprintf("%s: %d rows, %d columns", ResultBinding, result.NumRows(), result.NumColumns()))
	return ev, nil
}

func (d *DuckDB) readResult(ctx context.Context, conn *sql.Conn) (*dataset.Dataset, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(ResultBinding), d.cfg.MaxResultRows+1)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, runtimeError(ctx, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var out [][]dataset.Value
	for rows.Next() {
		if len(out) == d.cfg.MaxResultRows {
			return nil, failure.New(failure.ScriptRuntimeError, "%s has more than %d rows", ResultBinding, d.cfg.MaxResultRows)
		}
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]dataset.Value, len(columns))
		for i, v := range values {
			row[i] = toValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, runtimeError(ctx, err)
	}
	return dataset.FromValues(uniqueNames(columns), out)
}

func runtimeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return failure.Wrap(failure.ScriptRuntimeError, err, "%s", failure.Sanitize(err.Error()))
}

func loadTable(ctx context.Context, conn *sql.Conn, t *Table) error {
	defs := make([]string, len(t.Columns))
	placeholders := make([]string, len(t.Columns))
	for i, name := range t.Columns {
		defs[i] = quoteIdent(name) + " " + string(t.Types[i])
		placeholders[i] = "?"
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(t.Name), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	if len(t.Rows) == 0 {
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(t.Name), strings.Join(placeholders, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, row := range t.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func toValue(v any) dataset.Value {
	if b, ok := v.([]byte); ok {
		return dataset.Text(string(b))
	}
	val, err := dataset.FromAny(v)
	if err != nil {
		return dataset.Text(fmt.Sprint(v))
	}
	return val
}

// uniqueNames suffixes repeated result column names so they can key a dataset.
func uniqueNames(columns []string) []string {
	out := make([]string, len(columns))
	seen := map[string]int{}
	for i, name := range columns {
		if name == "" {
			name = fmt.Sprintf("column%d", i+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
