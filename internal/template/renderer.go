// Package template renders named templates against variable bindings.
// Rendering is pure: the same template and bindings always produce the
// same output.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/heraldhq/herald/internal/store"
)

// placeholder matches {{ name }} tokens in template bodies.
var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// MissingVariableError names the required variables absent from a
// binding set. It is a configuration error: jobs failing with it are
// dead-lettered without retry.
type MissingVariableError struct {
	Template string
	Keys     []string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %q: missing required variables: %s",
		e.Template, strings.Join(e.Keys, ", "))
}

// IsMissingVariable reports whether err is a MissingVariableError.
func IsMissingVariable(err error) bool {
	var mv *MissingVariableError
	return errors.As(err, &mv)
}

// Rendered is the output of a render: concrete subject and bodies.
type Rendered struct {
	Subject  string
	Body     string
	HTMLBody string
}

// Renderer compiles templates with variable bindings.
type Renderer struct{}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render validates that every required variable is bound, then
// substitutes {{name}} tokens in subject, body and HTML body. Unknown
// binding keys are ignored; unbound optional tokens render empty.
func (r *Renderer) Render(tpl *store.Template, vars map[string]string) (*Rendered, error) {
	var missing []string
	for _, key := range tpl.RequiredVars {
		if _, ok := vars[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingVariableError{Template: tpl.Name, Keys: missing}
	}

	out := &Rendered{
		Body: substitute(tpl.Body, vars),
	}
	if tpl.Subject != nil {
		out.Subject = substitute(*tpl.Subject, vars)
	}
	if tpl.HTMLBody != nil {
		out.HTMLBody = substitute(*tpl.HTMLBody, vars)
	}
	return out, nil
}

func substitute(text string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(token string) string {
		key := placeholder.FindStringSubmatch(token)[1]
		return vars[key]
	})
}
