package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/hera-team/librarian/internal/catalog"
)

// args is a decoded request payload. Getters convert JSON-typed values and
// report missing or mistyped arguments as bad requests.
type args map[string]any

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("%w: required argument %q missing", catalog.ErrBadRequest, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %q must be a string", catalog.ErrBadRequest, key)
	}
	return s, nil
}

// optStr returns def when the key is absent. A present non-string is still an
// error; silently ignoring it would hide caller bugs.
func (a args) optStr(key, def string) (string, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %q must be a string", catalog.ErrBadRequest, key)
	}
	return s, nil
}

func (a args) has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a args) int64(key string) (int64, error) {
	v, ok := a[key]
	if !ok {
		return 0, fmt.Errorf("%w: required argument %q missing", catalog.ErrBadRequest, key)
	}
	return toInt64(key, v)
}

func (a args) optInt64(key string) (*int64, error) {
	v, ok := a[key]
	if !ok {
		return nil, nil
	}
	n, err := toInt64(key, v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (a args) float(key string) (float64, error) {
	v, ok := a[key]
	if !ok {
		return 0, fmt.Errorf("%w: required argument %q missing", catalog.ErrBadRequest, key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: argument %q must be a number", catalog.ErrBadRequest, key)
	}
	return f, nil
}

func (a args) optFloat(key string) (*float64, error) {
	v, ok := a[key]
	if !ok {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: argument %q must be a number", catalog.ErrBadRequest, key)
	}
	return &f, nil
}

func (a args) boolean(key string) (bool, error) {
	v, ok := a[key]
	if !ok {
		return false, fmt.Errorf("%w: required argument %q missing", catalog.ErrBadRequest, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: argument %q must be a boolean", catalog.ErrBadRequest, key)
	}
	return b, nil
}

func (a args) obj(key string) (map[string]any, error) {
	v, ok := a[key]
	if !ok {
		return nil, fmt.Errorf("%w: required argument %q missing", catalog.ErrBadRequest, key)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: argument %q must be an object", catalog.ErrBadRequest, key)
	}
	return m, nil
}

func (a args) optObj(key string) (map[string]any, error) {
	v, ok := a[key]
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: argument %q must be an object", catalog.ErrBadRequest, key)
	}
	return m, nil
}

// decodeInto round-trips an object argument through JSON into a typed struct.
func decodeInto(key string, m map[string]any, out any) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: argument %q is not encodable", catalog.ErrBadRequest, key)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: argument %q has the wrong shape: %v", catalog.ErrBadRequest, key, err)
	}
	return nil
}

// toInt64 accepts JSON numbers that are integral. JSON has no integer type,
// so values arrive as float64.
func toInt64(key string, v any) (int64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: argument %q must be an integer", catalog.ErrBadRequest, key)
	}
	n := int64(f)
	if float64(n) != f {
		return 0, fmt.Errorf("%w: argument %q must be an integer, got %v", catalog.ErrBadRequest, key, f)
	}
	return n, nil
}
