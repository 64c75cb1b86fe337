package evaluator

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Comparison is the configuration attached to one extraction path.
type Comparison struct {
	Comparison  string `json:"comparison"`
	Values      []any  `json:"values"`
	ExtractType string `json:"extract_type,omitempty"`
}

// Assertion pairs a jq path with the comparison to apply to its extraction.
type Assertion struct {
	Path   string
	Config Comparison
}

// Step is one data_filtering parameter: an ordered list of assertions.
// Order matters, the sequence runs in declaration order.
type Step []Assertion

// ParseSteps decodes data_filtering parameters while preserving the
// declaration order of the path keys inside each parameter object.
func ParseSteps(params []json.RawMessage) ([]Step, error) {
	steps := make([]Step, 0, len(params))
	for i, raw := range params {
		step, err := parseStep(raw)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseStep(raw json.RawMessage) (Step, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to parse parameter: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("parameter is not an object")
	}

	var step Step
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read path key: %w", err)
		}
		path, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("path key is not a string")
		}
		var cfg Comparison
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid comparison for path %q: %w", path, err)
		}
		step = append(step, Assertion{Path: path, Config: cfg})
	}
	return step, nil
}
