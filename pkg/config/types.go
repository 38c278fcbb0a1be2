package config

import (
	"reflect"
	"strings"
)

// Strings is a []string that mapstructure can deserialize from a single comma separated string
// or from a list of strings.
type Strings []string

var (
	stringsType     = reflect.TypeOf(Strings{})
	stringType      = reflect.TypeOf("")
	stringSliceType = reflect.TypeOf([]string{})
)

// DecodeStrings is a mapstructure.DecodeHookFuncValue that decodes a single string value or a
// slice of strings into Strings.  An empty string decodes to an empty list.
func DecodeStrings(fromValue reflect.Value, toValue reflect.Value) (interface{}, error) {
	if toValue.Type() != stringsType {
		return fromValue.Interface(), nil
	}
	switch fromValue.Type() {
	case stringSliceType:
		return Strings(fromValue.Interface().([]string)), nil
	case stringType:
		s := strings.TrimSpace(fromValue.String())
		if s == "" {
			return Strings{}, nil
		}
		parts := strings.Split(s, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return Strings(parts), nil
	default:
		return fromValue.Interface(), nil
	}
}
