package processor

import (
	"fmt"
	"sort"

	pkgerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Property readers consume keys from a processor definition as they read
// them. Whatever is left in the map after a factory ran is an unsupported
// parameter and fails validation.

// ReadString reads a required string property.
func ReadString(config map[string]interface{}, processorType, tag, name string) (string, error) {
	value, ok := config[name]
	if !ok {
		return "", pkgerrors.NewPropertyError(processorType, tag, name, "required property is missing")
	}
	delete(config, name)
	s, ok := value.(string)
	if !ok {
		return "", pkgerrors.NewPropertyError(processorType, tag, name,
			fmt.Sprintf("property isn't a string, but of type [%T]", value))
	}
	return s, nil
}

// ReadOptionalString reads an optional string property, returning def when
// the key is absent.
func ReadOptionalString(config map[string]interface{}, processorType, tag, name, def string) (string, error) {
	value, ok := config[name]
	if !ok {
		return def, nil
	}
	delete(config, name)
	s, ok := value.(string)
	if !ok {
		return "", pkgerrors.NewPropertyError(processorType, tag, name,
			fmt.Sprintf("property isn't a string, but of type [%T]", value))
	}
	return s, nil
}

// ReadBool reads an optional boolean property, returning def when absent.
// Both native booleans and the strings "true"/"false" are accepted.
func ReadBool(config map[string]interface{}, processorType, tag, name string, def bool) (bool, error) {
	value, ok := config[name]
	if !ok {
		return def, nil
	}
	delete(config, name)
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case string:
		switch typed {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, pkgerrors.NewPropertyError(processorType, tag, name,
		fmt.Sprintf("property isn't a boolean, but of type [%T]", value))
}

// ReadAny reads a required property of any type.
func ReadAny(config map[string]interface{}, processorType, tag, name string) (interface{}, error) {
	value, ok := config[name]
	if !ok {
		return nil, pkgerrors.NewPropertyError(processorType, tag, name, "required property is missing")
	}
	delete(config, name)
	return value, nil
}

// ReadOptionalList reads an optional list property. A present key that is
// not a list fails validation.
func ReadOptionalList(config map[string]interface{}, processorType, tag, name string) ([]interface{}, bool, error) {
	value, ok := config[name]
	if !ok {
		return nil, false, nil
	}
	delete(config, name)
	list, ok := value.([]interface{})
	if !ok {
		return nil, false, pkgerrors.NewPropertyError(processorType, tag, name,
			fmt.Sprintf("property isn't a list, but of type [%T]", value))
	}
	return list, true, nil
}

// ReadMap reads a required object property.
func ReadMap(config map[string]interface{}, processorType, tag, name string) (map[string]interface{}, error) {
	value, ok := config[name]
	if !ok {
		return nil, pkgerrors.NewPropertyError(processorType, tag, name, "required property is missing")
	}
	delete(config, name)
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, pkgerrors.NewPropertyError(processorType, tag, name,
			fmt.Sprintf("property isn't an object, but of type [%T]", value))
	}
	return m, nil
}

// checkLeftovers rejects configuration keys no reader consumed.
func checkLeftovers(config map[string]interface{}, processorType, tag string) error {
	if len(config) == 0 {
		return nil
	}
	keys := make([]string, 0, len(config))
	for key := range config {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return pkgerrors.NewPropertyError(processorType, tag, "",
		fmt.Sprintf("processor does not support one or more provided configuration parameters %v", keys))
}
