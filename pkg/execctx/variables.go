package execctx

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cuemby/fleetagent/pkg/mask"
	"github.com/cuemby/fleetagent/pkg/types"
)

// maxExpandDepth bounds recursive $(name) expansion so a cyclic reference
// cannot recurse forever.
const maxExpandDepth = 50

var varRefPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_.]+)\)`)

// ErrReadOnlyVariable is returned by Set when the caller attempts to
// overwrite a variable previously registered as read-only.
var ErrReadOnlyVariable = fmt.Errorf("variable is read-only")

// VariableStore holds the job's variable set. A root Execution Context owns
// one; every child Context shares the same store by reference, so a
// variable set in a step is visible to its siblings and parent exactly as
// the data model describes ("variables are a job-scoped namespace").
//
// Secret variables are registered with the Secret Masker the moment they
// are set, never deferred to first use.
type VariableStore struct {
	mu     sync.RWMutex
	masker *mask.Masker
	vars   map[string]*types.Variable
	names  map[string]string // lower-case key -> original-case name, for PreserveCase
}

// NewVariableStore creates an empty store bound to masker, which may be nil
// in tests that don't care about redaction.
func NewVariableStore(masker *mask.Masker) *VariableStore {
	return &VariableStore{
		masker: masker,
		vars:   make(map[string]*types.Variable),
		names:  make(map[string]string),
	}
}

// Set stores name=value. A prior read-only variable cannot be overwritten.
func (s *VariableStore) Set(name, value string, isSecret, isReadOnly, preserveCase bool) error {
	key := strings.ToLower(name)

	s.mu.Lock()
	if existing, ok := s.vars[key]; ok && existing.IsReadOnly {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReadOnlyVariable, name)
	}
	s.vars[key] = &types.Variable{
		Value:        value,
		IsSecret:     isSecret,
		IsReadOnly:   isReadOnly,
		PreserveCase: preserveCase,
	}
	s.names[key] = name
	s.mu.Unlock()

	if isSecret && value != "" && s.masker != nil {
		s.masker.AddValue(value, name)
	}
	return nil
}

// Get returns a copy of the named variable.
func (s *VariableStore) Get(name string) (types.Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[strings.ToLower(name)]
	if !ok {
		return types.Variable{}, false
	}
	return *v, true
}

// All returns a snapshot of every variable, keyed by original-case name.
func (s *VariableStore) All() map[string]types.Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Variable, len(s.vars))
	for key, v := range s.vars {
		out[s.names[key]] = *v
	}
	return out
}

func (s *VariableStore) lookup(key string) (types.Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	if !ok {
		return types.Variable{}, false
	}
	return *v, true
}

// Expand replaces every $(name) reference in input with the current value
// of that variable, recursively, leaving unresolved references untouched.
// Any cycle it detects is reported as a warning rather than an error, per
// the "never fail the step over a masking or expansion problem"
// principle for ambient text processing.
func (s *VariableStore) Expand(input string) (string, []string) {
	var warnings []string
	visiting := make(map[string]bool)

	var expand func(text string, depth int) string
	expand = func(text string, depth int) string {
		if depth > maxExpandDepth {
			warnings = append(warnings, "variable expansion exceeded maximum depth, possible cycle")
			return text
		}
		return varRefPattern.ReplaceAllStringFunc(text, func(match string) string {
			name := varRefPattern.FindStringSubmatch(match)[1]
			key := strings.ToLower(name)
			if visiting[key] {
				warnings = append(warnings, fmt.Sprintf("cyclic variable reference detected for %q", name))
				return match
			}
			v, ok := s.lookup(key)
			if !ok {
				return match
			}
			visiting[key] = true
			resolved := expand(v.Value, depth+1)
			delete(visiting, key)
			return resolved
		})
	}

	return expand(input, 0), warnings
}
