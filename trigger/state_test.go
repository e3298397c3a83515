package trigger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FyraLabs/subatomic-ng/audit"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		m    Mutation
		opts Options
		want []audit.Action
	}{
		{
			name: "create unavailable",
			m:    Mutation{Kind: KindCreate, After: Unavailable},
			want: []audit.Action{audit.ActionPackageCreated},
		},
		{
			name: "create available reports only creation by default",
			m:    Mutation{Kind: KindCreate, After: Available},
			want: []audit.Action{audit.ActionPackageCreated},
		},
		{
			name: "create available with enable on create",
			m:    Mutation{Kind: KindCreate, After: Available},
			opts: Options{EmitEnabledOnCreate: true},
			want: []audit.Action{audit.ActionPackageCreated, audit.ActionPackageEnabled},
		},
		{
			name: "create unavailable with enable on create",
			m:    Mutation{Kind: KindCreate, After: Unavailable},
			opts: Options{EmitEnabledOnCreate: true},
			want: []audit.Action{audit.ActionPackageCreated},
		},
		{
			name: "enable",
			m:    Mutation{Kind: KindUpdate, Before: Unavailable, After: Available},
			want: []audit.Action{audit.ActionPackageEnabled},
		},
		{
			name: "disable",
			m:    Mutation{Kind: KindUpdate, Before: Available, After: Unavailable},
			want: []audit.Action{audit.ActionPackageDisabled},
		},
		{
			name: "self transition available",
			m:    Mutation{Kind: KindUpdate, Before: Available, After: Available},
		},
		{
			name: "self transition unavailable",
			m:    Mutation{Kind: KindUpdate, Before: Unavailable, After: Unavailable},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.m, tt.opts))
		})
	}
}

func TestMutationChanged(t *testing.T) {
	require.True(t, Mutation{Kind: KindCreate}.Changed())
	require.True(t, Mutation{Kind: KindUpdate, Before: Unavailable, After: Available}.Changed())
	require.False(t, Mutation{Kind: KindUpdate, Before: Available, After: Available}.Changed())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "available", Available.String())
	require.Equal(t, "unavailable", Unavailable.String())
}
