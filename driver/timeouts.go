package driver

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// NormalizeTimeouts returns a copy of cfg where every key whose lower-cased
// name contains "timeout" holds a float64 number of seconds or nil.
//
// nil, "None" and "null" become nil. Values that cannot be read as a number
// become nil and are logged at Warn, once per key. Other keys are copied
// unchanged.
func NormalizeTimeouts(cfg map[string]any, logger *slog.Logger) map[string]any {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if !isTimeoutKey(k) {
			out[k] = v
			continue
		}
		f, ok := timeoutSeconds(v)
		if !ok {
			logger.Warn("driver: invalid timeout value, setting to nil", "key", k, "value", fmt.Sprint(v))
			out[k] = nil
			continue
		}
		if f == nil {
			out[k] = nil
		} else {
			out[k] = *f
		}
	}
	return out
}

// timeoutSeconds reports ok == false only for values that are present but
// unreadable.
func timeoutSeconds(v any) (*float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil, true
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "None" || s == "null" {
			return nil, true
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		f = p
	default:
		return nil, false
	}
	return &f, true
}

func isTimeoutKey(k string) bool {
	return strings.Contains(strings.ToLower(k), "timeout")
}
