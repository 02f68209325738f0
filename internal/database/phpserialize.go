package database

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/elliotchance/phpserialize"
)

var ErrPHPSerialized = errors.New("malformed PHP serialized value")

// UnserializePHP decodes a serialized PHP array or object, as stored in
// plugin side-field columns. Keys are stringified and nested arrays decode
// to map[string]any as well.
func UnserializePHP(s string) (fields map[string]any, err error) {
	if s == "" {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			fields, err = nil, fmt.Errorf("%w: %v", ErrPHPSerialized, r)
		}
	}()

	raw, err := phpserialize.UnmarshalAssociativeArray([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPHPSerialized, err)
	}
	return phpMap(raw), nil
}

// cartContact extracts the phone and first name captured by the cart
// abandonment plugin.
func cartContact(other string) (phone, firstName string, err error) {
	fields, err := UnserializePHP(other)
	if err != nil {
		return "", "", err
	}
	return phpString(fields["wcf_phone_number"]), phpString(fields["wcf_first_name"]), nil
}

func phpMap(raw map[any]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[phpString(k)] = phpValue(v)
	}
	return out
}

func phpValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		return phpMap(t)
	case []any:
		out := make(map[string]any, len(t))
		for i, e := range t {
			out[strconv.Itoa(i)] = phpValue(e)
		}
		return out
	}
	return v
}

func phpString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "1"
		}
		return ""
	}
	return ""
}
