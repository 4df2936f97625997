// Package operations is the catalog of parameterized built-in data operations.
//
// A Registry is assembled once at startup and never changes afterwards, so any number
// of goroutines may read it concurrently without locking. Execute checks parameters
// against the operation's JSON schema and its own validator before the dataset is
// touched.
package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

// Spec is a single registered operation.
type Spec interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the operation's parameter object.
	Parameters() (*jsonschema.Schema, error)
	// Validate checks params against the dataset schema without touching data.
	Validate(params map[string]any, s *schema.Summary) error
	// Execute runs the operation. It never modifies ds.
	Execute(ctx context.Context, ds *dataset.Dataset, params map[string]any) (any, error)
}

// CatalogEntry is the public description of an operation, as shown to the gateway.
type CatalogEntry struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
}

// ParamError names the parameter that failed validation.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Param, e.Reason)
}

func paramError(param, format string, args ...any) error {
	pe := &ParamError{Param: param, Reason: fmt.Sprintf(format, args...)}
	return failure.Wrap(failure.OperationParameterInvalid, pe, "%s", pe.Error())
}

type entry struct {
	spec     Spec
	schema   *jsonschema.Schema
	props    map[string]*jsonschema.Resolved
	required []string
}

// Registry is an immutable catalog of operations.
type Registry struct {
	entries map[string]*entry
	order   []string
}

// NewRegistry builds a registry from specs. Names must be unique and every parameter
// schema must resolve.
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(specs))}
	for _, spec := range specs {
		if err := r.register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewDefault returns a registry holding every built-in operation.
func NewDefault() (*Registry, error) {
	return NewRegistry(Builtins()...)
}

func (r *Registry) register(spec Spec) error {
	name := spec.Name()
	if name == "" {
		return fmt.Errorf("operation name is required")
	}
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("operation %q is already registered", name)
	}
	sch, err := spec.Parameters()
	if err != nil {
		return fmt.Errorf("failed to build parameter schema for %q: %w", name, err)
	}
	if sch.Type != "object" {
		return fmt.Errorf("parameter schema for %q must be an object, got %q", name, sch.Type)
	}
	props := make(map[string]*jsonschema.Resolved, len(sch.Properties))
	for pname, psch := range sch.Properties {
		res, err := psch.Resolve(nil)
		if err != nil {
			return fmt.Errorf("failed to resolve parameter %q of %q: %w", pname, name, err)
		}
		props[pname] = res
	}
	r.entries[name] = &entry{spec: spec, schema: sch, props: props, required: slices.Clone(sch.Required)}
	r.order = append(r.order, name)
	return nil
}

// Get returns the operation with the given name.
func (r *Registry) Get(name string) (Spec, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.spec, true
}

// Names returns the registered operation names in registration order.
func (r *Registry) Names() []string { return slices.Clone(r.order) }

// Catalog describes every operation in registration order.
func (r *Registry) Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, CatalogEntry{Name: name, Description: e.spec.Description(), Parameters: e.schema})
	}
	return out
}

// Validate checks params for the named operation without executing it.
func (r *Registry) Validate(name string, params map[string]any, s *schema.Summary) (map[string]any, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, failure.New(failure.OperationNotFound, "operation %q is not registered", name)
	}
	norm, err := normalizeParams(params)
	if err != nil {
		return nil, err
	}
	if err := e.check(norm); err != nil {
		return nil, err
	}
	if err := e.spec.Validate(norm, s); err != nil {
		return nil, asParamError(err)
	}
	return norm, nil
}

// Execute validates params and then runs the named operation against ds.
func (r *Registry) Execute(ctx context.Context, name string, ds *dataset.Dataset, s *schema.Summary, params map[string]any) (any, error) {
	norm, err := r.Validate(name, params, s)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(failure.Canceled, err, "operation %q canceled", name)
	}
	out, err := r.entries[name].spec.Execute(ctx, ds, norm)
	if err != nil {
		if failure.KindOf(err) != "" {
			return nil, err
		}
		return nil, failure.Wrap(failure.OperationFailed, err, "%s: %s", name, err.Error())
	}
	return out, nil
}

func (e *entry) check(params map[string]any) error {
	for _, req := range e.required {
		if v, ok := params[req]; !ok || v == nil {
			return paramError(req, "is required")
		}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		res, ok := e.props[k]
		if !ok {
			return paramError(k, "is not a parameter of %s (expected one of %s)", e.spec.Name(), strings.Join(e.paramNames(), ", "))
		}
		if params[k] == nil {
			continue
		}
		if err := res.Validate(params[k]); err != nil {
			return paramError(k, "%v", err)
		}
	}
	return nil
}

func (e *entry) paramNames() []string {
	names := make([]string, 0, len(e.props))
	for k := range e.props {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// normalizeParams round-trips params through JSON so every number is a float64 and
// every nested value has its JSON shape.
func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, failure.Wrap(failure.OperationParameterInvalid, err, "parameters are not valid JSON values")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, failure.Wrap(failure.OperationParameterInvalid, err, "parameters are not valid JSON values")
	}
	return out, nil
}

func asParamError(err error) error {
	if failure.KindOf(err) != "" {
		return err
	}
	var pe *ParamError
	if errors.As(err, &pe) {
		return failure.Wrap(failure.OperationParameterInvalid, pe, "%s", pe.Error())
	}
	return failure.Wrap(failure.OperationParameterInvalid, err, "%s", err.Error())
}
