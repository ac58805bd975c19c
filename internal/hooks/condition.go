package hooks

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionSet compiles and evaluates per-hook `when` expressions against
// the execution context. Programs are cached by expression so hooks sharing
// a predicate compile it once.
type ConditionSet struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionSet builds the CEL environment. Expressions see the execution
// context as a dyn-valued map named ctx.
func NewConditionSet() (*ConditionSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &ConditionSet{env: env, programs: make(map[string]cel.Program)}, nil
}

// Compile validates expr and caches its program. Load-time callers treat a
// compile failure as a config error.
func (s *ConditionSet) Compile(expr string) error {
	s.mu.RLock()
	_, ok := s.programs[expr]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compiling condition: %w", issues.Err())
	}
	program, err := s.env.Program(ast)
	if err != nil {
		return fmt.Errorf("building condition program: %w", err)
	}

	s.mu.Lock()
	s.programs[expr] = program
	s.mu.Unlock()
	return nil
}

// Eval runs expr against the execution context. Expressions must produce a
// boolean.
func (s *ConditionSet) Eval(expr string, execCtx map[string]any) (bool, error) {
	s.mu.RLock()
	program, ok := s.programs[expr]
	s.mu.RUnlock()

	if !ok {
		if err := s.Compile(expr); err != nil {
			return false, err
		}
		s.mu.RLock()
		program = s.programs[expr]
		s.mu.RUnlock()
	}

	if execCtx == nil {
		execCtx = map[string]any{}
	}
	out, _, err := program.Eval(map[string]any{"ctx": execCtx})
	if err != nil {
		return false, fmt.Errorf("evaluating condition: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out.Value())
	}
	return b, nil
}
