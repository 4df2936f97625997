package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/tableqa/pkg/dataset"
	"github.com/malbeclabs/tableqa/pkg/failure"
	"github.com/malbeclabs/tableqa/pkg/schema"
)

// op adapts a typed parameter struct P to the Spec interface. The parameter schema is
// generated from P's json and jsonschema tags.
type op[P any] struct {
	name        string
	description string
	// enums restricts string parameters to a fixed set of values.
	enums    map[string][]string
	minimums map[string]float64
	validate func(p *P, s *schema.Summary) error
	execute  func(ctx context.Context, ds *dataset.Dataset, p *P) (any, error)
}

func (o *op[P]) Name() string        { return o.name }
func (o *op[P]) Description() string { return o.description }

func (o *op[P]) Parameters() (*jsonschema.Schema, error) {
	sch, err := jsonschema.For[P](nil)
	if err != nil {
		return nil, err
	}
	for name, values := range o.enums {
		prop, ok := sch.Properties[name]
		if !ok {
			return nil, fmt.Errorf("enum for unknown parameter %q", name)
		}
		prop.Enum = make([]any, len(values))
		for i, v := range values {
			prop.Enum[i] = v
		}
	}
	for name, minimum := range o.minimums {
		prop, ok := sch.Properties[name]
		if !ok {
			return nil, fmt.Errorf("minimum for unknown parameter %q", name)
		}
		prop.Minimum = &minimum
	}
	return sch, nil
}

func (o *op[P]) Validate(params map[string]any, s *schema.Summary) error {
	p, err := decode[P](params)
	if err != nil {
		return err
	}
	if o.validate == nil {
		return nil
	}
	return o.validate(p, s)
}

func (o *op[P]) Execute(ctx context.Context, ds *dataset.Dataset, params map[string]any) (any, error) {
	p, err := decode[P](params)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, ds, p)
}

func decode[P any](params map[string]any) (*P, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, failure.Wrap(failure.OperationParameterInvalid, err, "parameters are not valid JSON values")
	}
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			return nil, paramError(te.Field, "expected %s, got %s", te.Type, te.Value)
		}
		return nil, failure.Wrap(failure.OperationParameterInvalid, err, "parameters do not match the operation: %v", err)
	}
	return &p, nil
}

// requireColumn fails unless name is a column of the dataset.
func requireColumn(s *schema.Summary, param, name string) (*schema.Column, error) {
	if name == "" {
		return nil, paramError(param, "is required")
	}
	col, ok := s.Column(name)
	if !ok {
		return nil, paramError(param, "column %q does not exist", name)
	}
	return col, nil
}

// requireNumeric fails unless name is a numeric column of the dataset.
func requireNumeric(s *schema.Summary, param, name string) error {
	col, err := requireColumn(s, param, name)
	if err != nil {
		return err
	}
	if col.Type != schema.TypeNumeric {
		return paramError(param, "column %q is %s, not numeric", name, col.Type)
	}
	return nil
}

// requireSortable fails unless name is a column whose values have a natural order.
func requireSortable(s *schema.Summary, param, name string) error {
	col, err := requireColumn(s, param, name)
	if err != nil {
		return err
	}
	if col.Type == schema.TypeEmpty {
		return paramError(param, "column %q has no values", name)
	}
	return nil
}
