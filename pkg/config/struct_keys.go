package config

import (
	"reflect"
	"strings"
)

const (
	keyTag      = "mapstructure"
	squashValue = "squash"
)

// structKeys returns the dotted key of every leaf field of typ.  Names come from the
// mapstructure tag, or the lowercased field name.  Embedded structs tagged ",squash" add no name
// component.  Pointers are followed; maps and slices are leaves.
func structKeys(typ reflect.Type) []string {
	var keys []string
	var walk func(t reflect.Type, path []string)
	walk = func(t reflect.Type, path []string) {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct {
			keys = append(keys, strings.Join(path, "."))
			return
		}
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			name, opts, _ := strings.Cut(field.Tag.Get(keyTag), ",")
			if name == "" {
				name = strings.ToLower(field.Name)
			}
			fieldPath := path[:len(path):len(path)]
			if opts != squashValue {
				fieldPath = append(fieldPath, name)
			}
			walk(field.Type, fieldPath)
		}
	}
	walk(typ, nil)
	return keys
}
