package evaluator

import (
	"regexp"
	"strconv"
	"strings"
)

// conditionSatisfied dispatches on the shape of the extracted value.
// Comparison values are expected to be substituted already.
func conditionSatisfied(cfg Comparison, extracted any) bool {
	switch v := extracted.(type) {
	case string:
		return evalConditionString(cfg, v)
	case bool:
		return evalConditionString(cfg, stringify(v))
	case float64, int, int64:
		return evalConditionString(cfg, stringify(v))
	case []any:
		return evalConditionList(cfg, v)
	case map[string]any:
		return evalConditionDict(cfg, v)
	}
	return false
}

func evalConditionString(cfg Comparison, data string) bool {
	values := stringValues(cfg.Values)
	if len(values) == 0 {
		return false
	}

	switch cfg.Comparison {
	case "contains":
		// Word-set intersection: every configured value must appear as a
		// whitespace-delimited word, case-insensitive, order irrelevant.
		words := make(map[string]struct{})
		for _, w := range strings.Fields(strings.ToLower(data)) {
			words[w] = struct{}{}
		}
		wanted := make(map[string]struct{})
		for _, v := range values {
			wanted[strings.ToLower(v)] = struct{}{}
		}
		matched := 0
		for w := range wanted {
			if _, ok := words[w]; ok {
				matched++
			}
		}
		return matched == len(wanted)
	case "equals":
		return data == values[0]
	case "equals_any":
		for _, v := range values {
			if data == v {
				return true
			}
		}
		return false
	case "regex":
		return fullMatch(values[0], data)
	case "count":
		return compareCount(len(data), values[0])
	}
	return false
}

func evalConditionList(cfg Comparison, data []any) bool {
	values := stringValues(cfg.Values)
	if len(values) == 0 {
		return false
	}

	dataSet := make(map[string]struct{}, len(data))
	for _, el := range data {
		dataSet[stringify(el)] = struct{}{}
	}
	valueSet := make(map[string]struct{}, len(values))
	for _, v := range values {
		valueSet[v] = struct{}{}
	}
	intersection := 0
	for v := range valueSet {
		if _, ok := dataSet[v]; ok {
			intersection++
		}
	}

	switch cfg.Comparison {
	case "contains":
		return intersection == len(valueSet)
	case "equals":
		return intersection == len(valueSet) && intersection == len(dataSet)
	case "contains-regex":
		for _, el := range data {
			if fullMatch(values[0], stringify(el)) {
				return true
			}
		}
		return false
	case "equals-regex":
		// Intentional as shipped: only the first element is tested and its
		// result is returned, the rest of the list is never inspected.
		for _, el := range data {
			return fullMatch(values[0], stringify(el))
		}
		return false
	case "count":
		return compareCount(len(data), values[0])
	}
	return false
}

// evalConditionDict implements only count. The contains and equals
// comparators on dict-shaped data are defined but deliberately return
// false; do not complete them without a product decision.
func evalConditionDict(cfg Comparison, data map[string]any) bool {
	values := stringValues(cfg.Values)
	if len(values) == 0 {
		return false
	}

	switch cfg.Comparison {
	case "contains":
		return false
	case "equals":
		return false
	case "count":
		return compareCount(len(data), values[0])
	}
	return false
}

// countOperators ordered longest-prefix-first so "<=" wins over "<".
var countOperators = []string{"<=", ">=", "<", ">", "="}

// compareCount checks a collection length against a count expression: a
// bare integer means exact match, otherwise an operator prefix applies.
func compareCount(length int, value string) bool {
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return length == n
	}
	for _, op := range countOperators {
		if !strings.HasPrefix(value, op) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value[len(op):]))
		if err != nil {
			return false
		}
		switch op {
		case "<":
			return length < n
		case "<=":
			return length <= n
		case ">":
			return length > n
		case ">=":
			return length >= n
		case "=":
			return length == n
		}
	}
	return false
}

// fullMatch anchors the pattern to the whole string. A pattern that does
// not compile never matches.
func fullMatch(pattern, s string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func stringValues(values []any) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, stringify(v))
	}
	return out
}
