// Package validation checks struct tags on configuration and input records.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"yaml", "json", "mapstructure"} {
			name := strings.Split(f.Tag.Get(tag), ",")[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})
}

// FieldError is one failed rule.
type FieldError struct {
	Field string
	Rule  string
	Param string
	Value any
}

func (f FieldError) String() string {
	if f.Param != "" {
		return fmt.Sprintf("%s: failed %s=%s (value %v)", f.Field, f.Rule, f.Param, f.Value)
	}
	return fmt.Sprintf("%s: failed %s (value %v)", f.Field, f.Rule, f.Value)
}

// Error lists every failed rule of one validation.
type Error struct {
	Fields []FieldError
}

func (e Error) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.String())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Struct validates s against its `validate` tags. Field names use the yaml
// or json tag and drop the root type name.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := Error{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		out.Fields = append(out.Fields, FieldError{Field: ns, Rule: fe.Tag(), Param: fe.Param(), Value: fe.Value()})
	}
	return out
}
