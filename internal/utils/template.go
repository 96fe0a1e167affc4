package utils

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/goccy/go-json"
)

// LoadTemplate loads and parses a template file with custom functions
func LoadTemplate(path string) (*template.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file %s: %w", path, err)
	}

	return ParseTemplate(path, string(data))
}

// ParseTemplate parses an inline template with the same function set as LoadTemplate
func ParseTemplate(name, text string) (*template.Template, error) {
	funcMap := template.FuncMap{
		"json": ToJSON,
		"join": strings.Join,
	}

	tmpl, err := template.New(name).Funcs(funcMap).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	return tmpl, nil
}

// ToJSON converts a value to a JSON string
func ToJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(b)
}
