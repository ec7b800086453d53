package protocol

import (
	"fmt"
	"strconv"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/telematics/message"
)

// ValueType is the wire type a raw parameter value is coerced to.
type ValueType int

const (
	// TypeString passes the value through as text
	TypeString ValueType = iota
	// TypeNumber coerces to float64
	TypeNumber
	// TypeInteger coerces to int64
	TypeInteger
	// TypeBoolean coerces to bool (accepts 0/1 and "true"/"false")
	TypeBoolean
)

// Parameter describes one raw protocol parameter identifier: its
// semantic name, target type, optional unit and scaling factor.
type Parameter struct {
	ID    string
	Name  string
	Type  ValueType
	Unit  string
	Scale float64 // applied to numeric values; zero means no scaling
}

// ParameterRegistry maps raw protocol parameter identifiers to typed,
// named values. Registries are built once at vendor registration and
// read-only afterwards.
type ParameterRegistry struct {
	params map[string]Parameter
}

// NewParameterRegistry builds a registry from a parameter table.
func NewParameterRegistry(params []Parameter) *ParameterRegistry {
	m := make(map[string]Parameter, len(params))
	for _, p := range params {
		m[p.ID] = p
	}
	return &ParameterRegistry{params: m}
}

// Lookup returns the parameter descriptor for a raw identifier.
func (r *ParameterRegistry) Lookup(id string) (Parameter, bool) {
	p, ok := r.params[id]
	return p, ok
}

// Len returns the number of known parameters.
func (r *ParameterRegistry) Len() int { return len(r.params) }

// Resolve turns a raw identifier and value into a named, typed, read-only
// attribute. Unknown identifiers pass through under a generated name so
// no device data is silently lost.
func (r *ParameterRegistry) Resolve(id string, raw any, ts time.Time) (message.Attribute, error) {
	p, known := r.params[id]
	if !known {
		return message.Attribute{
			Name:      "param" + id,
			Value:     raw,
			Timestamp: ts,
			ReadOnly:  true,
		}, nil
	}

	value, err := coerce(raw, p.Type)
	if err != nil {
		return message.Attribute{}, errors.WrapInvalid(
			fmt.Errorf("parameter %s (%s): %w", p.ID, p.Name, err),
			"ParameterRegistry", "Resolve", "value coercion")
	}
	if p.Scale != 0 {
		if f, ok := value.(float64); ok {
			value = f * p.Scale
		}
	}

	return message.Attribute{
		Name:      p.Name,
		Value:     value,
		Timestamp: ts,
		ReadOnly:  true,
	}, nil
}

// coerce converts a raw JSON-decoded value to the parameter's target
// type.
func coerce(raw any, target ValueType) (any, error) {
	switch target {
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
		return fmt.Sprintf("%v", raw), nil

	case TypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("not a number: %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("cannot convert %T to number", raw)

	case TypeInteger:
		switch v := raw.(type) {
		case float64:
			i := int64(v)
			if float64(i) != v {
				return nil, fmt.Errorf("not an integer: %v", v)
			}
			return i, nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("not an integer: %q", v)
			}
			return i, nil
		}
		return nil, fmt.Errorf("cannot convert %T to integer", raw)

	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("not a boolean: %q", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("cannot convert %T to boolean", raw)
	}
	return nil, fmt.Errorf("unknown value type %d", target)
}
