// Package template resolves {{path}} references in step configs against a
// run's accumulated context, and evaluates boolean condition expressions in
// a restricted sandbox.
package template

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

var (
	reSingle   = regexp.MustCompile(`^\{\{(.+?)\}\}$`)
	reHas      = regexp.MustCompile(`\{\{.+?\}\}`)
	rePathHead = regexp.MustCompile(`\{\{-?\s*([A-Za-z_][A-Za-z0-9_.]*)`)
)

// Resolve walks value, replacing every {{path}} reference against scope. A
// string that is entirely a single {{path}} (no filters, no control tags)
// resolves type-preserving via deep-get — the referenced value's original
// type is returned unchanged. Any other string containing {{...}} is
// rendered through text/template into a string. Maps and slices are resolved
// element-wise; every other type passes through unchanged.
func Resolve(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, fmt.Errorf("template: key %q: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, fmt.Errorf("template: index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, scope map[string]any) (any, error) {
	trimmed := strings.TrimSpace(s)
	if m := reSingle.FindStringSubmatch(trimmed); m != nil {
		path := strings.TrimSpace(m[1])
		if !strings.Contains(path, "|") && !strings.Contains(path, "{%") && !strings.Contains(path, "{{") {
			return deepGet(scope, path)
		}
	}

	if reHas.MatchString(s) {
		return renderTemplate(s, scope)
	}
	return s, nil
}

// deepGet navigates a dotted path through nested maps and slices. Each
// segment indexes a map by key or a slice by integer; anything else is an
// error, matching the strict (no silent nil) resolution the engine relies on
// for upstream-reference validation.
func deepGet(data any, path string) (any, error) {
	current := data
	for _, part := range strings.Split(path, ".") {
		switch typed := current.(type) {
		case map[string]any:
			val, ok := typed[part]
			if !ok {
				return nil, fmt.Errorf("template: key %q not found", part)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(typed) {
				return nil, fmt.Errorf("template: invalid index %q into list of length %d", part, len(typed))
			}
			current = typed[idx]
		default:
			return nil, fmt.Errorf("template: cannot navigate into %T with key %q", current, part)
		}
	}
	return current, nil
}

func renderTemplate(s string, scope map[string]any) (string, error) {
	tmpl, err := template.New("inline").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(rewriteBareIdentifiers(s))
	if err != nil {
		return "", fmt.Errorf("template: parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, scope); err != nil {
		return "", fmt.Errorf("template: render error: %w", err)
	}
	return buf.String(), nil
}

// rewriteBareIdentifiers turns {{foo.bar}} (the wire syntax) into {{.foo.bar}}
// (text/template's dotted-field syntax) so accumulated-context paths resolve
// as map lookups instead of being parsed as function calls. Filters after a
// pipe are left untouched, since they're already valid template pipeline
// syntax (e.g. "{{foo | upper}}" -> "{{.foo | upper}}").
func rewriteBareIdentifiers(s string) string {
	return rePathHead.ReplaceAllStringFunc(s, func(match string) string {
		sub := rePathHead.FindStringSubmatch(match)
		head := sub[1]
		prefix := strings.TrimSuffix(match, head)
		return prefix + "." + head
	})
}

// ExtractRefs returns the set of {{...}} reference bodies found anywhere in
// obj (recursing through maps and slices), with any "| filter" suffix
// stripped. The validator further reduces each ref to its root segment
// before checking it against "input" or an upstream step id.
func ExtractRefs(obj any) []string {
	seen := make(map[string]struct{})
	collectRefs(obj, seen)

	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

func collectRefs(obj any, seen map[string]struct{}) {
	switch v := obj.(type) {
	case string:
		for _, match := range reHas.FindAllString(v, -1) {
			inner := strings.TrimSpace(match[2 : len(match)-2])
			if idx := strings.Index(inner, "|"); idx >= 0 {
				inner = strings.TrimSpace(inner[:idx])
			}
			seen[inner] = struct{}{}
		}
	case map[string]any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	case []any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	}
}

// RootOf returns the first dot-separated segment of a reference, e.g.
// RootOf("step_one.output.count") == "step_one".
func RootOf(ref string) string {
	if idx := strings.Index(ref, "."); idx >= 0 {
		return ref[:idx]
	}
	return ref
}
