package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/overseer/internal/errs"
)

// Params is the flat string argument map every command receives.
type Params map[string]string

// DecodeParams accepts a JSON object. String values are taken as-is; any other
// value (number, bool, nested object) is kept as its raw JSON text.
func DecodeParams(raw json.RawMessage) (Params, error) {
	p := Params{}
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", errs.ErrInvalid)
	}
	for k, v := range fields {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			p[k] = s
			continue
		}
		p[k] = string(v)
	}
	return p, nil
}

func (p Params) String(key string) string {
	return strings.TrimSpace(p[key])
}

// Required returns a non-empty parameter.
func (p Params) Required(key string) (string, error) {
	v := p.String(key)
	if v == "" {
		return "", fmt.Errorf("missing parameter %q: %w", key, errs.ErrInvalid)
	}
	return v, nil
}

// Int parses an optional integer parameter, returning def when absent.
func (p Params) Int(key string, def int) (int, error) {
	v := p.String(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: not an integer: %w", key, errs.ErrInvalid)
	}
	return n, nil
}

// Float parses an optional number parameter.
func (p Params) Float(key string, def float64) (float64, error) {
	v := p.String(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: not a number: %w", key, errs.ErrInvalid)
	}
	return f, nil
}

// Bool parses a required boolean parameter.
func (p Params) Bool(key string) (bool, error) {
	v, err := p.Required(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parameter %q: not a boolean: %w", key, errs.ErrInvalid)
	}
	return b, nil
}

// Duration parses an optional Go duration parameter.
func (p Params) Duration(key string) (time.Duration, error) {
	v := p.String(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: not a duration: %w", key, errs.ErrInvalid)
	}
	return d, nil
}

// List splits a comma separated parameter; a JSON array of strings is also
// accepted.
func (p Params) List(key string) []string {
	v := p.String(key)
	if v == "" {
		return nil
	}
	if strings.HasPrefix(v, "[") {
		var items []string
		if err := json.Unmarshal([]byte(v), &items); err == nil {
			return items
		}
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Object parses an optional JSON object parameter.
func (p Params) Object(key string) (map[string]any, error) {
	v := p.String(key)
	if v == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, fmt.Errorf("parameter %q: not a JSON object: %w", key, errs.ErrInvalid)
	}
	return m, nil
}
