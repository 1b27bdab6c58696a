package entry

import (
	"fmt"
	"strconv"
	"time"
)

// Options are the free-form settings of an entry as decoded from YAML or JSON.
type Options map[string]any

// String returns the string value of key, or "".
func (o Options) String(key string) string {
	switch v := o[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Int returns key as an int, or def when missing or not a number.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns key as a bool, or def.
func (o Options) Bool(key string, def bool) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration returns key as a duration. Strings use time.ParseDuration, numbers
// are seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	switch v := o[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// Require returns an error naming the first missing key.
func (o Options) Require(keys ...string) error {
	for _, k := range keys {
		if o.String(k) == "" {
			return fmt.Errorf("option %q is required", k)
		}
	}
	return nil
}

func merge(base, update Options) Options {
	out := make(Options, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
