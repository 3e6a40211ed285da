package tools

import (
	"fmt"
	"math"
)

func stringArg(input map[string]any, key string) (string, error) {
	v, ok := input[key]
	if !ok {
		return "", fmt.Errorf("argument '%s' is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument '%s' must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(input map[string]any, key, def string) string {
	if s, ok := input[key].(string); ok && s != "" {
		return s
	}
	return def
}

func optionalInt(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// coordinateArg reads an [x, y] pair.
func coordinateArg(input map[string]any) (float64, float64, error) {
	raw, ok := input["coordinate"]
	if !ok {
		return 0, 0, fmt.Errorf("argument 'coordinate' is required")
	}
	pair, ok := raw.([]any)
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("argument 'coordinate' must be an [x, y] array")
	}
	var xy [2]float64
	for i, v := range pair {
		n, ok := v.(float64)
		if !ok || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, 0, fmt.Errorf("argument 'coordinate' must hold two non-negative numbers")
		}
		xy[i] = n
	}
	return xy[0], xy[1], nil
}

var coordinateSchema = map[string]any{
	"type":        "array",
	"description": "[x, y] pixel position on the most recent screenshot.",
	"items":       map[string]any{"type": "integer"},
}

var scrollSchema = map[string]any{
	"type": "string",
	"enum": []string{"up", "down", "left", "right"},
}
