package deepstream

import (
	"regexp"
	"strconv"
	"strings"
)

// splitExp tokenizes a path on the regular set [.\[\]], per spec section
// 4.3, grounded on deepstreampy/jsonpath.py's SPLIT_REG_EXP.
var splitExp = regexp.MustCompile(`[.\[\]]`)

// jsonPathTokenize splits path into segments, dropping empty ones and
// parsing integer-looking segments (allowing surrounding whitespace, as
// deepstreampy's int() coercion does) into list indices.
func jsonPathTokenize(path string) []pathToken {
	if path == "" {
		return nil
	}
	parts := splitExp.Split(path, -1)
	tokens := make([]pathToken, 0, len(parts))
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			tokens = append(tokens, pathToken{isIndex: true, index: n})
			continue
		}
		tokens = append(tokens, pathToken{key: part})
	}
	return tokens
}

type pathToken struct {
	isIndex bool
	index   int
	key     string
}

// jsonPathGet reads the value at path within doc. Intermediate segments
// that are absent yield nil. When deepCopy is true the returned value is
// a deep copy so callers never observe aliased mutations, per the "Deep
// copy of record data" design note.
func jsonPathGet(doc interface{}, path string, deepCopy bool) interface{} {
	tokens := jsonPathTokenize(path)
	node := doc
	for _, tok := range tokens {
		next, ok := indexInto(node, tok)
		if !ok {
			return nil
		}
		node = next
	}
	if deepCopy {
		return deepCopyValue(node)
	}
	return node
}

func indexInto(node interface{}, tok pathToken) (interface{}, bool) {
	switch v := node.(type) {
	case map[string]interface{}:
		if tok.isIndex {
			return nil, false
		}
		val, ok := v[tok.key]
		return val, ok
	case []interface{}:
		if !tok.isIndex {
			return nil, false
		}
		idx := tok.index
		if idx < 0 {
			idx += len(v)
		}
		if idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}

// jsonPathSet writes value at path within doc, creating intermediate
// objects or arrays as needed (deciding container type by whether the
// next token is an index), padding arrays with nil when writing past the
// end, and deleting the final segment when value is Undefined. When
// deepCopy is true, doc is deep-copied before mutation so the caller's
// original reference is untouched.
func jsonPathSet(doc interface{}, path string, value interface{}, deepCopy bool) interface{} {
	tokens := jsonPathTokenize(path)
	if len(tokens) == 0 {
		return value
	}
	if deepCopy {
		doc = deepCopyValue(doc)
	}
	return setRecursive(doc, tokens, value)
}

func setRecursive(node interface{}, tokens []pathToken, value interface{}) interface{} {
	tok := tokens[0]
	rest := tokens[1:]

	if tok.isIndex {
		arr, ok := node.([]interface{})
		if !ok {
			arr = []interface{}{}
		}
		for len(arr) <= tok.index && tok.index >= 0 {
			arr = append(arr, nil)
		}
		idx := tok.index
		if idx < 0 {
			idx += len(arr)
		}
		if idx < 0 {
			idx = 0
		}
		if len(rest) == 0 {
			if _, isUndefined := value.(undefinedValue); isUndefined {
				if idx < len(arr) {
					arr = append(arr[:idx], arr[idx+1:]...)
				}
				return arr
			}
			arr[idx] = value
			return arr
		}
		arr[idx] = setRecursive(arr[idx], rest, value)
		return arr
	}

	m, ok := node.(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
	}
	if len(rest) == 0 {
		if _, isUndefined := value.(undefinedValue); isUndefined {
			delete(m, tok.key)
			return m
		}
		m[tok.key] = value
		return m
	}
	m[tok.key] = setRecursive(m[tok.key], rest, value)
	return m
}

// deepCopyValue recursively copies maps/slices of the kind produced by
// JSON decoding (map[string]interface{}, []interface{}, and scalars).
func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = deepCopyValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = deepCopyValue(child)
		}
		return out
	default:
		return v
	}
}
