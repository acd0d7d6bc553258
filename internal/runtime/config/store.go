package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Provider is the minimal key/value contract pipeline components read their
// settings through.
type Provider interface {
	Get(key string, defaultVal any) any
	Set(key string, value any)
}

// Store is a thread-safe key/value configuration map. Keys are dotted paths
// ("circuitBreaker.resetTimeout"); nested maps passed to NewStore or Set are
// flattened into them. Typed accessors return the default when a key is
// missing or cannot be converted.
type Store struct {
	mu   sync.RWMutex
	data map[string]any
}

var _ Provider = (*Store)(nil)

// NewStore creates a Store from data. A nil map yields an empty store.
func NewStore(data map[string]any) *Store {
	s := &Store{data: make(map[string]any)}
	flattenInto(s.data, "", data)
	return s
}

func flattenInto(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(dst, key, nested)
			continue
		}
		dst[key] = v
	}
}

// Get returns the raw value for key, or defaultVal when absent.
func (s *Store) Get(key string, defaultVal any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.data[key]; ok {
		return v
	}
	return defaultVal
}

// Set stores value under key. Map values are flattened below key.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nested, ok := value.(map[string]any); ok {
		flattenInto(s.data, key, nested)
		return
	}
	s.data[key] = value
}

// Has reports whether key is set.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Keys returns every key in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the string value for key.
func (s *Store) String(key, defaultVal string) string {
	switch v := s.Get(key, nil).(type) {
	case string:
		return v
	case int, int64, float64, bool:
		return toString(v)
	}
	return defaultVal
}

func toString(v any) string {
	switch val := v.(type) {
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return ""
}

// Int returns the integer value for key. Floats convert only when they have
// no fractional part; strings are parsed.
func (s *Store) Int(key string, defaultVal int) int {
	switch v := s.Get(key, nil).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

// Float returns the float64 value for key.
func (s *Store) Float(key string, defaultVal float64) float64 {
	switch v := s.Get(key, nil).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// Bool returns the boolean value for key.
func (s *Store) Bool(key string, defaultVal bool) bool {
	switch v := s.Get(key, nil).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return defaultVal
}

// Duration returns the duration value for key. Strings are parsed with
// time.ParseDuration; bare numbers are milliseconds.
func (s *Store) Duration(key string, defaultVal time.Duration) time.Duration {
	switch v := s.Get(key, nil).(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return defaultVal
}

// StringSlice returns the string slice for key. A string value is split on
// commas.
func (s *Store) StringSlice(key string, defaultVal []string) []string {
	switch v := s.Get(key, nil).(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, str)
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultVal
}

// ApplyEnv overrides keys from environment variables. The variable for
// "circuitBreaker.resetTimeout" with prefix "CHAINFLOW" is
// CHAINFLOW_CIRCUIT_BREAKER_RESET_TIMEOUT. Only keys already in the store or
// listed in extraKeys are considered. It returns the keys that changed.
func (s *Store) ApplyEnv(prefix string, lookup func(string) (string, bool), extraKeys ...string) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	candidates := append(s.Keys(), extraKeys...)

	var applied []string
	seen := make(map[string]struct{}, len(candidates))
	for _, key := range candidates {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if v, ok := lookup(EnvName(prefix, key)); ok {
			s.Set(key, v)
			applied = append(applied, key)
		}
	}
	return applied
}

// EnvName derives the environment variable name for key.
func EnvName(prefix, key string) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(strings.ToUpper(prefix))
		b.WriteByte('_')
	}
	prevLower := false
	for _, r := range key {
		switch {
		case r == '.' || r == '-':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			prevLower = false
		default:
			b.WriteRune(unicode.ToUpper(r))
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}
