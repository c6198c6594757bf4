package dag

import (
	"fmt"
	"regexp"
	"strings"
)

var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_\-]+)\.([A-Za-z0-9_\-]+)\}`)

// Refs lists the upstream references in a parameter value. Only string
// values can carry references.
func Refs(v any) []Ref {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	var out []Ref
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		out = append(out, Ref{Task: m[1], Output: m[2]})
	}
	return out
}

// ResolveParams substitutes upstream outputs into params. A value that is
// exactly one reference takes the output's value as is; references embedded
// in longer strings are formatted into the string.
func ResolveParams(params map[string]any, outputs map[string]map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "${") {
			out[k] = v
			continue
		}
		if m := refPattern.FindStringSubmatch(s); m != nil && m[0] == s {
			val, err := lookupOutput(outputs, m[1], m[2])
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", k, err)
			}
			out[k] = val
			continue
		}
		var firstErr error
		out[k] = refPattern.ReplaceAllStringFunc(s, func(match string) string {
			m := refPattern.FindStringSubmatch(match)
			val, err := lookupOutput(outputs, m[1], m[2])
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return match
			}
			return fmt.Sprint(val)
		})
		if firstErr != nil {
			return nil, fmt.Errorf("param %q: %w", k, firstErr)
		}
	}
	return out, nil
}

func lookupOutput(outputs map[string]map[string]any, task, key string) (any, error) {
	o, ok := outputs[task]
	if !ok {
		return nil, fmt.Errorf("no outputs from task %q", task)
	}
	v, ok := o[key]
	if !ok {
		return nil, fmt.Errorf("task %q has no output %q", task, key)
	}
	return v, nil
}
