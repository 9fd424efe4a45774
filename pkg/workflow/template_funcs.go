package workflow

import (
	"encoding/json"
	"strings"
	"text/template"
)

// TemplateFuncMap returns the function set available to step templates
// (task titles, webhook method/url/headers/body). Kept deliberately small:
// string helpers and a JSON encoder, the same shape of helper set the
// teacher's template layer exposes to its prompt templates.
func TemplateFuncMap() template.FuncMap {
	return template.FuncMap{
		"default": func(def, val interface{}) interface{} {
			if val == nil {
				return def
			}
			if s, ok := val.(string); ok && s == "" {
				return def
			}
			return val
		},
		"toJson": func(v interface{}) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		"upper":     strings.ToUpper,
		"lower":     strings.ToLower,
		"trim":      strings.TrimSpace,
		"contains":  strings.Contains,
		"hasPrefix": strings.HasPrefix,
		"hasSuffix": strings.HasSuffix,
		"join":      strings.Join,
	}
}
