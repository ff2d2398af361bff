package tools

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Arguments arrive as decoded JSON, so numbers are float64. Strings are
// accepted as well since some clients send everything quoted.

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return strings.TrimSpace(s)
}

func intParam(params map[string]interface{}, name string) (int, bool, error) {
	switch v := params[name].(type) {
	case nil:
		return 0, false, nil
	case float64:
		return int(v), true, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s: %w", name, err)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("invalid %s: unexpected type %T", name, v)
	}
}

func boolParam(params map[string]interface{}, name string) (*bool, error) {
	switch v := params[name].(type) {
	case nil:
		return nil, nil
	case bool:
		return &v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("invalid %s: unexpected type %T", name, v)
	}
}

func timeParam(params map[string]interface{}, name string) (*time.Time, error) {
	s := stringParam(params, name)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s format: %w", name, err)
	}
	return &t, nil
}
