package deepstream

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

// json is an encoding/json-compatible codec (github.com/json-iterator/go),
// configured to match the standard library's behavior (including sorted
// map keys, which object parameter encoding requires).
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Typed-value type tags, per spec section 3.
const (
	tagString    = 'S'
	tagNumber    = 'N'
	tagTrue      = 'T'
	tagFalse     = 'F'
	tagNull      = 'L'
	tagObject    = 'O'
	tagUndefined = 'U'
)

// undefinedValue is the sentinel jsonpath.Set deletes a path on, per spec
// section 4.3.
type undefinedValue struct{}

// Undefined is the sentinel value meaning "delete this path" for Set, and
// "no value" for the typed-value codec.
var Undefined = undefinedValue{}

// encodeTyped maps a decoded Go value onto the typed-value wire encoding
// from spec section 3 / 4.2.
func encodeTyped(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return string(tagNull)
	case undefinedValue:
		return string(tagUndefined)
	case string:
		return string(tagString) + val
	case bool:
		if val {
			return string(tagTrue)
		}
		return string(tagFalse)
	case int:
		return string(tagNumber) + strconv.Itoa(val)
	case int32:
		return string(tagNumber) + strconv.FormatInt(int64(val), 10)
	case int64:
		return string(tagNumber) + strconv.FormatInt(val, 10)
	case float32:
		return string(tagNumber) + strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return string(tagNumber) + strconv.FormatFloat(val, 'g', -1, 64)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return string(tagNull)
		}
		return string(tagObject) + string(encoded)
	}
}

// decodeTyped parses a typed-value string back into a Go value. Numeric
// decoding attempts integer first, then float; a non-convertible payload
// reports MESSAGE_PARSE_ERROR, per spec section 4.2.
func decodeTyped(s string) (interface{}, error) {
	if s == "" {
		return nil, newError(ErrMessageParseError, "", "empty typed value")
	}
	tag := s[0]
	body := s[1:]
	switch tag {
	case tagString:
		return body, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagNull:
		return nil, nil
	case tagUndefined:
		return Undefined, nil
	case tagNumber:
		if n, err := strconv.ParseInt(body, 10, 64); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(body, 64); err == nil {
			return f, nil
		}
		return nil, newError(ErrMessageParseError, "", "invalid number: "+body)
	case tagObject:
		var v interface{}
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, wrapError(ErrMessageParseError, "", err)
		}
		return v, nil
	default:
		return nil, newError(ErrMessageParseError, "", "unknown typed-value tag: "+string(tag))
	}
}
