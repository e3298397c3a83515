package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/FyraLabs/subatomic-ng/audit"
)

// ErrInvalidRule is returned when a rule fails to compile or evaluate.
var ErrInvalidRule = errors.New("trigger: invalid rule")

// DefaultRetention is how long entries live when no retention is configured.
const DefaultRetention = 5 * time.Minute

// Built-in rule names. They are always evaluated first, in this order.
const (
	RuleCreated  = "created"
	RuleEnabled  = "enabled"
	RuleDisabled = "disabled"
)

// Default rule expressions, equivalent to Classify.
const (
	exprCreated  = `kind == "create"`
	exprEnabled  = `after && (kind == "update" ? !before : emit_enabled_on_create)`
	exprDisabled = `kind == "update" && before && !after`
)

// Rule is a named declarative trigger.
type Rule struct {
	Name   string       `json:"name" yaml:"name"`
	Expr   string       `json:"expr" yaml:"expr"`
	Action audit.Action `json:"action" yaml:"action"`
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Dispatcher evaluates rules against mutations. It is safe for concurrent
// use; rules may be redefined while mutations are dispatched.
type Dispatcher struct {
	env       *cel.Env
	retention time.Duration
	opts      Options
	logger    *slog.Logger

	mu    sync.RWMutex
	rules []*compiledRule
	index map[string]int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetention sets the lifetime of produced entries.
func WithRetention(d time.Duration) DispatcherOption {
	return func(ds *Dispatcher) {
		ds.retention = d
	}
}

// WithOptions sets the state machine options.
func WithOptions(opts Options) DispatcherOption {
	return func(ds *Dispatcher) {
		ds.opts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(ds *Dispatcher) {
		ds.logger = logger
	}
}

// NewDispatcher creates a dispatcher with the built-in rules defined.
func NewDispatcher(opts ...DispatcherOption) (*Dispatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("before", cel.BoolType),
		cel.Variable("after", cel.BoolType),
		cel.Variable("emit_enabled_on_create", cel.BoolType),
		cel.Variable("pkg", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	d := &Dispatcher{
		env:       env,
		retention: DefaultRetention,
		logger:    slog.Default(),
		index:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", d.retention)
	}

	for _, r := range DefaultRules() {
		if err := d.Define(r); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DefaultRules returns the built-in rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: RuleCreated, Expr: exprCreated, Action: audit.ActionPackageCreated},
		{Name: RuleEnabled, Expr: exprEnabled, Action: audit.ActionPackageEnabled},
		{Name: RuleDisabled, Expr: exprDisabled, Action: audit.ActionPackageDisabled},
	}
}

// Retention returns the configured entry lifetime.
func (d *Dispatcher) Retention() time.Duration {
	return d.retention
}

// Options returns the state machine options.
func (d *Dispatcher) Options() Options {
	return d.opts
}

// Define compiles r and installs it. A rule with the same name is replaced
// in place, keeping its position in the evaluation order.
func (d *Dispatcher) Define(r Rule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.Name, err)
	}

	ast, issues := d.env.Compile(r.Expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("%w: rule %s must evaluate to bool, got %s", ErrInvalidRule, r.Name, ast.OutputType())
	}
	prg, err := d.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.Name, err)
	}

	compiled := &compiledRule{Rule: r, program: prg}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i, ok := d.index[r.Name]; ok {
		d.rules[i] = compiled
		d.logger.Debug("rule redefined", "rule", r.Name, "action", r.Action)
		return nil
	}
	d.index[r.Name] = len(d.rules)
	d.rules = append(d.rules, compiled)
	d.logger.Debug("rule defined", "rule", r.Name, "action", r.Action)
	return nil
}

// Rules returns the installed rules in evaluation order.
func (d *Dispatcher) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Rule, len(d.rules))
	for i, r := range d.rules {
		out[i] = r.Rule
	}
	return out
}

// Dispatch evaluates every rule against m and returns one unsealed entry per
// match. Each entry gets a fresh correlation token and expires retention
// after now. A self transition matches no rule, not even a defined one.
func (d *Dispatcher) Dispatch(m Mutation, now time.Time) ([]audit.Entry, error) {
	if m.PackageID == "" {
		return nil, fmt.Errorf("%w: mutation without package id", ErrInvalidRule)
	}
	if !m.Changed() {
		return nil, nil
	}

	pkg := m.Package
	if pkg == nil {
		pkg = map[string]any{}
	}
	activation := map[string]any{
		"kind":                   string(m.Kind),
		"before":                 bool(m.Before),
		"after":                  bool(m.After),
		"emit_enabled_on_create": d.opts.EmitEnabledOnCreate,
		"pkg":                    pkg,
	}

	d.mu.RLock()
	rules := make([]*compiledRule, len(d.rules))
	copy(rules, d.rules)
	d.mu.RUnlock()

	var entries []audit.Entry
	for _, r := range rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("%w: evaluating %s: %v", ErrInvalidRule, r.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("%w: rule %s returned %T", ErrInvalidRule, r.Name, out.Value())
		}
		if !matched {
			continue
		}

		e, err := audit.NewEntry(r.Action, audit.Payload{
			audit.KeyPackageID: m.PackageID,
			audit.KeyToken:     audit.NewToken(),
		}, now, d.retention)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
