package processor

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/wehubfusion/Daedalus/pkg/document"
	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// TypeConvert is the type name of the convert processor.
const TypeConvert = "convert"

type converter func(interface{}) (interface{}, error)

// Convert changes the type of a field value. Lists are converted element by
// element.
type Convert struct {
	base
	syncBehavior
	field         string
	targetField   string
	convert       converter
	ignoreMissing bool
}

func newConvertProcessor(res Resources, tag, description string, config map[string]interface{}) (Processor, error) {
	field, err := ReadString(config, TypeConvert, tag, "field")
	if err != nil {
		return nil, err
	}
	targetField, err := ReadOptionalString(config, TypeConvert, tag, "target_field", field)
	if err != nil {
		return nil, err
	}
	typeName, err := ReadString(config, TypeConvert, tag, "type")
	if err != nil {
		return nil, err
	}
	convert, ok := converters[typeName]
	if !ok {
		return nil, pkgerrors.NewPropertyError(TypeConvert, tag, "type",
			fmt.Sprintf("type [%s] not supported, cannot convert field", typeName))
	}
	ignoreMissing, err := ReadBool(config, TypeConvert, tag, "ignore_missing", false)
	if err != nil {
		return nil, err
	}
	return &Convert{
		base:          base{typ: TypeConvert, tag: tag, description: description},
		field:         field,
		targetField:   targetField,
		convert:       convert,
		ignoreMissing: ignoreMissing,
	}, nil
}

func (p *Convert) Execute(ctx context.Context, doc *document.Document) (*document.Document, error) {
	value, err := doc.GetValue(p.field)
	if err != nil {
		if p.ignoreMissing {
			return doc, nil
		}
		return nil, err
	}

	var converted interface{}
	if list, ok := value.([]interface{}); ok {
		out := make([]interface{}, len(list))
		for i, item := range list {
			out[i], err = p.convert(item)
			if err != nil {
				return nil, err
			}
		}
		converted = out
	} else {
		converted, err = p.convert(value)
		if err != nil {
			return nil, err
		}
	}

	if err := doc.SetValue(p.targetField, converted); err != nil {
		return nil, err
	}
	return doc, nil
}

var converters = map[string]converter{
	"integer": toIntegerValue,
	"long":    toLongValue,
	"float":   toFloatValue,
	"double":  toFloatValue,
	"string":  toStringValue,
	"boolean": toBooleanValue,
	"auto":    toAutoValue,
}

func toLongValue(v interface{}) (interface{}, error) {
	switch typed := v.(type) {
	case int:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case float32:
		return int64(typed), nil
	case float64:
		return int64(typed), nil
	case string:
		n, err := strconv.ParseInt(typed, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unable to convert [%s] to long", typed)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unable to convert [%v] of type [%T] to long", v, v)
	}
}

func toIntegerValue(v interface{}) (interface{}, error) {
	n, err := toLongValue(v)
	if err != nil {
		return nil, fmt.Errorf("unable to convert [%v] of type [%T] to integer", v, v)
	}
	long := n.(int64)
	if long > math.MaxInt32 || long < math.MinInt32 {
		return nil, fmt.Errorf("unable to convert [%d] to integer, out of range", long)
	}
	return int(long), nil
}

func toFloatValue(v interface{}) (interface{}, error) {
	switch typed := v.(type) {
	case int:
		return float64(typed), nil
	case int32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case float32:
		return float64(typed), nil
	case float64:
		return typed, nil
	case string:
		f, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return nil, fmt.Errorf("unable to convert [%s] to double", typed)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unable to convert [%v] of type [%T] to double", v, v)
	}
}

func toStringValue(v interface{}) (interface{}, error) {
	switch typed := v.(type) {
	case string:
		return typed, nil
	case bool:
		return strconv.FormatBool(typed), nil
	case int:
		return strconv.Itoa(typed), nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func toBooleanValue(v interface{}) (interface{}, error) {
	switch typed := v.(type) {
	case bool:
		return typed, nil
	case string:
		switch typed {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("[%s] is not a boolean value, cannot convert to boolean", typed)
	default:
		return nil, fmt.Errorf("unable to convert [%v] of type [%T] to boolean", v, v)
	}
}

// toAutoValue tries boolean, then long, then double and falls back to the
// original value. It never fails.
func toAutoValue(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if b, err := toBooleanValue(s); err == nil {
		return b, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

var _ Processor = (*Convert)(nil)
