package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// arraySuffixes names the parameter-name suffixes that make a --key value
// pair split on commas into a JSON array instead of staying a scalar string.
var arraySuffixes = []string{"Ids", "List", "Items", "Files", "Paths", "Names", "Types", "Tags", "Values"}

func looksArrayValued(key string) bool {
	for _, suffix := range arraySuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

var boolWords = map[string]bool{
	"true": true, "yes": true, "on": true, "1": true,
	"false": false, "no": false, "off": false, "0": false,
}

// parseToolArgs accepts the three interchangeable forms described for the
// CLI surface: a single JSON object literal; --key value pairs (with
// --flag/--no-flag GNU-style booleans); or positional values collected
// under "args". A JSON object literal must be the only argument; --key
// value pairs and positional values may be combined in one invocation.
func parseToolArgs(argv []string) (json.RawMessage, error) {
	if len(argv) == 1 && strings.HasPrefix(strings.TrimSpace(argv[0]), "{") {
		var probe map[string]any
		if err := json.Unmarshal([]byte(argv[0]), &probe); err != nil {
			return nil, fmt.Errorf("invalid JSON argument: %w", err)
		}
		return json.RawMessage(argv[0]), nil
	}

	params := make(map[string]any)
	var positional []string

	i := 0
	for i < len(argv) {
		tok := argv[i]
		if !strings.HasPrefix(tok, "--") {
			positional = append(positional, tok)
			i++
			continue
		}

		name := strings.TrimPrefix(tok, "--")
		negated := false
		if strings.HasPrefix(name, "no-") {
			negated = true
			name = strings.TrimPrefix(name, "no-")
		}

		// --flag / --no-flag with no following value, or the next token is
		// itself a flag: treat as a GNU-style boolean.
		if i+1 >= len(argv) || strings.HasPrefix(argv[i+1], "--") {
			params[name] = !negated
			i++
			continue
		}

		value := argv[i+1]
		i += 2

		if negated {
			return nil, fmt.Errorf("--no-%s cannot take a value", name)
		}

		params[name] = coerceValue(name, value)
	}

	if len(positional) > 0 {
		params["args"] = positional
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	return data, nil
}

func coerceValue(name, raw string) any {
	if looksArrayValued(name) {
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	if b, ok := boolWords[strings.ToLower(raw)]; ok {
		return b
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
