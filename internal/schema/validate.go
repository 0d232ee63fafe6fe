package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed collections.cue
var collectionsCUE string

// Violation is one field that failed its collection's shape.
type Violation struct {
	Path    string
	Message string
}

// ValidationError lists every violation found in one record.
type ValidationError struct {
	Collection Collection
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Path == "" {
			parts = append(parts, v.Message)
			continue
		}
		parts = append(parts, v.Path+": "+v.Message)
	}
	return fmt.Sprintf("invalid %s record: %s", e.Collection, strings.Join(parts, "; "))
}

// validator holds the compiled CUE schema. cue.Context is not safe for
// concurrent use, so every unification runs under mu.
type validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	shapes map[Collection]cue.Value
}

var (
	defaultValidator     *validator
	defaultValidatorErr  error
	defaultValidatorOnce sync.Once
)

func loadValidator() (*validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = compileValidator(collectionsCUE)
	})
	return defaultValidator, defaultValidatorErr
}

func compileValidator(src string) (*validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename("collections.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile collection schema: %w", err)
	}

	v := &validator{ctx: ctx, shapes: make(map[Collection]cue.Value, len(collectionOrder))}
	for _, c := range collectionOrder {
		shape := root.LookupPath(cue.ParsePath(string(c)))
		if !shape.Exists() {
			return nil, fmt.Errorf("collection schema has no shape for %q", c)
		}
		v.shapes[c] = shape
	}
	return v, nil
}

// Validate checks fields against the shape declared for c.
// Null values are treated as absent. Returns *ValidationError on violations.
func Validate(c Collection, fields map[string]any) error {
	v, err := loadValidator()
	if err != nil {
		return err
	}
	return v.validate(c, fields)
}

func (v *validator) validate(c Collection, fields map[string]any) error {
	shape, ok := v.shapes[c]
	if !ok {
		return &ValidationError{
			Collection: c,
			Violations: []Violation{{Message: "unknown collection"}},
		}
	}

	present := make(map[string]any, len(fields))
	for k, val := range fields {
		if val != nil {
			present[k] = val
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	data := v.ctx.Encode(present)
	if err := data.Err(); err != nil {
		return &ValidationError{
			Collection: c,
			Violations: []Violation{{Message: err.Error()}},
		}
	}

	unified := shape.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Collection: c, Violations: violations(c, err)}
	}
	return nil
}

func violations(c Collection, err error) []Violation {
	var out []Violation
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		if len(path) > 0 && path[0] == string(c) {
			path = path[1:]
		}
		format, args := e.Msg()
		viol := Violation{Path: strings.Join(path, "."), Message: fmt.Sprintf(format, args...)}
		key := viol.Path + "\x00" + viol.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, viol)
	}
	if len(out) == 0 {
		out = append(out, Violation{Message: err.Error()})
	}
	return out
}
