// Package trigger decides which audit entries a package mutation produces.
//
// The availability state machine is a pure function. The Dispatcher holds the
// declarative rules that express it and builds the entries; the caller appends
// them inside the transaction that performed the mutation.
package trigger

import (
	"github.com/FyraLabs/subatomic-ng/audit"
)

// State is the availability of a package.
type State bool

const (
	Unavailable State = false
	Available   State = true
)

func (s State) String() string {
	if s {
		return "available"
	}
	return "unavailable"
}

// Kind distinguishes creation from later updates.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
)

// Mutation describes one observed change to a package record.
type Mutation struct {
	Kind      Kind
	PackageID string
	// Before is ignored for KindCreate.
	Before State
	After  State
	// Package carries record fields exposed to rules as `pkg`.
	Package map[string]any
}

// Changed reports whether the mutation moved the state machine.
func (m Mutation) Changed() bool {
	return m.Kind == KindCreate || m.Before != m.After
}

// Options tune the state machine.
type Options struct {
	// EmitEnabledOnCreate also reports package_enabled when a package is
	// created already available.
	EmitEnabledOnCreate bool
}

// Classify returns the actions a mutation produces, in dispatch order.
func Classify(m Mutation, opts Options) []audit.Action {
	switch m.Kind {
	case KindCreate:
		actions := []audit.Action{audit.ActionPackageCreated}
		if m.After == Available && opts.EmitEnabledOnCreate {
			actions = append(actions, audit.ActionPackageEnabled)
		}
		return actions
	case KindUpdate:
		switch {
		case m.Before == m.After:
			return nil
		case m.After == Available:
			return []audit.Action{audit.ActionPackageEnabled}
		default:
			return []audit.Action{audit.ActionPackageDisabled}
		}
	}
	return nil
}
