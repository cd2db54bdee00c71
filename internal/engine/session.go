package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/TimurManjosov/gopolicy/internal/dsl"
	"github.com/TimurManjosov/gopolicy/internal/schema"
)

var (
	ErrSessionDisposed = errors.New("session disposed")
	ErrSessionBusy     = errors.New("session is running")
	ErrNoFact          = errors.New("no fact inserted")
	ErrHalted          = errors.New("session halted")
	ErrUnknownGlobal   = errors.New("unknown global")
)

// State of a Session.
type State int32

const (
	StateOpen State = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// Session is a single-use working memory over a KnowledgeBase. Globals and the
// fact are private to the session. Halt and Dispose may be called from any
// goroutine; everything else belongs to the goroutine that drives the session.
type Session struct {
	kb      *KnowledgeBase
	globals map[string]any
	fact    *Fact

	state atomic.Int32
	halt  atomic.Bool

	mu    sync.Mutex
	fired int
	trace []string
}

// NewSession opens a session bound to an immutable copy of globals. Every
// key must be a declared global and coerce to its declared type; globals left
// out start unbound (null).
func (kb *KnowledgeBase) NewSession(globals map[string]any) (*Session, error) {
	bound := make(map[string]any, len(globals))
	for name, v := range globals {
		t, ok := kb.globals[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGlobal, name)
		}
		if v == nil {
			continue
		}
		cv, err := schema.Coerce(t, v)
		if err != nil {
			var ce *schema.CoercionError
			if errors.As(err, &ce) {
				ce.Field = name
			}
			return nil, err
		}
		bound[name] = cv
	}
	s := &Session{kb: kb, globals: bound}
	kb.open.Add(1)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Global returns the value bound to a global, or nil when unbound.
func (s *Session) Global(name string) any { return s.globals[name] }

// Insert places the fact into working memory. A session holds one fact.
func (s *Session) Insert(f *Fact) error {
	if s.State() != StateOpen {
		return fmt.Errorf("insert: session is %s", s.State())
	}
	if f == nil {
		return ErrNoFact
	}
	if f.typ.Name != s.kb.factType.Name {
		return fmt.Errorf("insert: fact type %s does not match %s", f.typ.Name, s.kb.factType.Name)
	}
	s.fact = f
	return nil
}

// Fact returns the inserted fact.
func (s *Session) Fact() *Fact { return s.fact }

// Halt asks a running FireAllRules to stop at the next cycle boundary.
func (s *Session) Halt() { s.halt.Store(true) }

// Dispose releases the session. It is idempotent and safe to call while
// FireAllRules is still running; the loop notices on its next cycle.
func (s *Session) Dispose() {
	if State(s.state.Swap(int32(StateDisposed))) != StateDisposed {
		s.kb.open.Add(-1)
	}
}

// Fired returns how many rule activations have fired.
func (s *Session) Fired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Trace returns the names of fired rules in firing order.
func (s *Session) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.trace))
	copy(out, s.trace)
	return out
}

func (s *Session) finish(st State) {
	s.state.CompareAndSwap(int32(StateRunning), int32(st))
}

func (s *Session) start() error {
	for {
		cur := State(s.state.Load())
		switch cur {
		case StateDisposed:
			return ErrSessionDisposed
		case StateRunning:
			return ErrSessionBusy
		case StateTimedOut, StateFailed:
			return fmt.Errorf("session is %s", cur)
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateRunning)) {
			return nil
		}
	}
}

// FireAllRules runs the match-fire loop until no rule matches, a rule calls
// halt(), Halt is called, or ctx is done. Rules are tried in salience order;
// each cycle fires the first matching rule that has not fired since the fact
// was last updated. update() re-arms every rule except a no-loop rule's own
// activation.
//
// A condition that fails to evaluate does not match. A consequence that
// fails to evaluate aborts the run.
func (s *Session) FireAllRules(ctx context.Context) (int, error) {
	if s.fact == nil {
		return 0, ErrNoFact
	}
	if err := s.start(); err != nil {
		return 0, err
	}

	count := 0
	fired := make(map[int]bool, len(s.kb.rules))
	for {
		if err := ctx.Err(); err != nil {
			s.finish(StateTimedOut)
			return count, err
		}
		if s.State() == StateDisposed {
			return count, ErrSessionDisposed
		}
		if s.halt.Load() {
			s.finish(StateCompleted)
			return count, ErrHalted
		}

		vars := s.activation()
		next := -1
		for i, r := range s.kb.rules {
			if fired[i] {
				continue
			}
			ok, err := r.matches(ctx, vars)
			if err != nil && ctx.Err() != nil {
				s.finish(StateTimedOut)
				return count, ctx.Err()
			}
			if ok {
				next = i
				break
			}
		}
		if next < 0 {
			s.finish(StateCompleted)
			return count, nil
		}

		r := s.kb.rules[next]
		fired[next] = true
		count++
		s.record(r.name)

		updated, halted, err := s.fire(ctx, r, vars)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(StateTimedOut)
				return count, ctx.Err()
			}
			s.finish(StateFailed)
			return count, fmt.Errorf("rule %q: %w", r.name, err)
		}
		if updated {
			clear(fired)
			if r.noLoop {
				fired[next] = true
			}
		}
		if halted {
			s.finish(StateCompleted)
			return count, nil
		}
	}
}

func (s *Session) record(name string) {
	s.mu.Lock()
	s.fired++
	s.trace = append(s.trace, name)
	s.mu.Unlock()
}

func (s *Session) activation() map[string]any {
	vars := make(map[string]any, len(s.fact.values)+len(s.kb.globals))
	for k, v := range s.fact.values {
		vars[k] = toCEL(v)
	}
	for name := range s.kb.globals {
		vars[name] = toCEL(s.globals[name])
	}
	return vars
}

func (r *compiledRule) matches(ctx context.Context, vars map[string]any) (bool, error) {
	for _, c := range r.conditions {
		out, err := c.eval(ctx, vars)
		if err != nil {
			return false, err
		}
		b, ok := out.(types.Bool)
		if !ok {
			return false, fmt.Errorf("line %d: condition produced %s, not bool", c.line, out.Type().TypeName())
		}
		if !b {
			return false, nil
		}
	}
	return true, nil
}

func (e *compiledExpr) eval(ctx context.Context, vars map[string]any) (ref.Val, error) {
	out, _, err := e.prog.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", e.line, err)
	}
	if types.IsError(out) {
		return nil, fmt.Errorf("line %d: %v", e.line, out)
	}
	return out, nil
}

func (s *Session) fire(ctx context.Context, r *compiledRule, vars map[string]any) (updated, halted bool, err error) {
	for _, a := range r.actions {
		switch a.kind {
		case dsl.ActionUpdate:
			updated = true
		case dsl.ActionHalt:
			halted = true
		case dsl.ActionSet, dsl.ActionAppend:
			out, err := a.value.eval(ctx, vars)
			if err != nil {
				return updated, halted, err
			}
			v, err := fromCEL(out)
			if err != nil {
				return updated, halted, fmt.Errorf("line %d: %w", a.line, err)
			}
			if a.kind == dsl.ActionAppend {
				v, err = appendValue(s.fact.values[a.field.Name], v)
				if err != nil {
					return updated, halted, fmt.Errorf("line %d: %w", a.line, err)
				}
			}
			if err := s.fact.Set(a.field.Name, v); err != nil {
				return updated, halted, fmt.Errorf("line %d: %w", a.line, err)
			}
			vars[a.field.Name] = toCEL(s.fact.values[a.field.Name])
		}
	}
	return updated, halted, nil
}

func appendValue(current, v any) (any, error) {
	list, _ := current.([]string)
	out := make([]string, len(list), len(list)+1)
	copy(out, list)
	switch x := v.(type) {
	case nil:
		return out, nil
	case string:
		return append(out, x), nil
	case []any:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("cannot append %T to a string list", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot append %T to a string list", v)
}
