// Package argschema validates tool arguments against a tool's declared
// JSON Schema. An absent or empty schema accepts anything.
package argschema

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/Strob0t/toolgate/internal/domain"
)

// ErrSchema marks a tool schema that does not compile. Validation against
// it fails closed: every argument set is rejected.
var ErrSchema = errors.New("tool schema does not compile")

// Error describes the first schema violation found.
type Error struct {
	Field   string
	Message string

	badSchema bool
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap lets callers match with errors.Is(err, domain.ErrValidation),
// and with ErrSchema when the schema itself is broken.
func (e *Error) Unwrap() []error {
	if e.badSchema {
		return []error{domain.ErrValidation, ErrSchema}
	}
	return []error{domain.ErrValidation}
}

var (
	compiler = jsonschema.NewCompiler()

	mu       sync.Mutex
	compiled = map[[sha256.Size]byte]*jsonschema.Schema{}
)

// IsEmpty reports whether schema imposes no constraints.
func IsEmpty(schema json.RawMessage) bool {
	s := bytes.TrimSpace(schema)
	if len(s) == 0 || bytes.Equal(s, []byte("null")) {
		return true
	}
	var m map[string]any
	if err := json.Unmarshal(s, &m); err != nil {
		return false
	}
	return len(m) == 0
}

// Validate checks args against schema.
func Validate(args map[string]any, schema json.RawMessage) error {
	if IsEmpty(schema) {
		return nil
	}
	s, err := compile(schema)
	if err != nil {
		return &Error{Message: "invalid schema: " + err.Error(), badSchema: true}
	}

	// Round-trip so numbers and nested values have the shapes the
	// validator expects regardless of how the caller built the map.
	instance, err := normalize(args)
	if err != nil {
		return &Error{Message: err.Error()}
	}

	res := s.Validate(instance)
	if res.IsValid() {
		return nil
	}
	return firstError(res)
}

// Compile reports whether a non-empty schema compiles. Tool import uses it
// to refuse schemas that would reject every run.
func Compile(schema json.RawMessage) error {
	if IsEmpty(schema) {
		return nil
	}
	if _, err := compile(schema); err != nil {
		return fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return nil
}

func compile(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := sha256.Sum256(schema)

	mu.Lock()
	defer mu.Unlock()
	if s, ok := compiled[key]; ok {
		return s, nil
	}
	s, err := compiler.Compile(schema)
	if err != nil {
		return nil, err
	}
	compiled[key] = s
	return s, nil
}

func normalize(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return out, nil
}

// firstError picks a deterministic violation: the deepest failing instance
// location wins, ties broken by location then keyword name.
func firstError(res *jsonschema.EvaluationResult) *Error {
	field, msg := "", ""
	depth := -1
	var walk func(l jsonschema.List)
	walk = func(l jsonschema.List) {
		if len(l.Errors) > 0 {
			d := strings.Count(l.InstanceLocation, "/")
			loc := strings.TrimPrefix(l.InstanceLocation, "/")
			if d > depth || (d == depth && loc < field) {
				depth = d
				field = loc
				msg = pick(l.Errors)
			}
		}
		for _, c := range l.Details {
			walk(c)
		}
	}
	if list := res.ToList(); list != nil {
		walk(*list)
	}

	if msg == "" {
		msgs := make(map[string]string, len(res.Errors))
		for k, e := range res.Errors {
			msgs[k] = e.Message
		}
		msg = pick(msgs)
	}
	if msg == "" {
		msg = "arguments do not match schema"
	}
	return &Error{Field: strings.ReplaceAll(field, "/", "."), Message: msg}
}

func pick(errs map[string]string) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return ""
	}
	return errs[keys[0]]
}
