package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/estuary/awcp/protocol"
)

type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string        { return f.name }
func (f *fakeAdapter) Delegator() Delegator { return &fakeDelegator{} }
func (f *fakeAdapter) Executor() Executor   { return nil }

type fakeDelegator struct{}

func (f *fakeDelegator) Initialize(ctx context.Context) error { return nil }
func (f *fakeDelegator) Prepare(ctx context.Context, delegationID, exportPath string, ttlSeconds int) (Handle, error) {
	return nil, nil
}
func (f *fakeDelegator) ApplySnapshot(ctx context.Context, delegationID string, payload []byte, rw []protocol.Resource) error {
	return nil
}
func (f *fakeDelegator) Release(ctx context.Context, delegationID string) error { return nil }
func (f *fakeDelegator) Capabilities() Capabilities                            { return Capabilities{} }

func TestRegisterAndLookup(t *testing.T) {
	var r = NewRegistry()
	r.Register(&fakeAdapter{name: "zip-inline"})

	a, err := r.Lookup("zip-inline")
	require.NoError(t, err)
	require.Equal(t, "zip-inline", a.Name())
}

func TestLookupUnknownTransport(t *testing.T) {
	var r = NewRegistry()
	_, err := r.Lookup("missing")
	require.Error(t, err)
}

func TestRegisterOverwritesExisting(t *testing.T) {
	var r = NewRegistry()
	r.Register(&fakeAdapter{name: "zip-inline"})
	second := &fakeAdapter{name: "zip-inline"}
	r.Register(second)

	a, err := r.Lookup("zip-inline")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Same(t, second, a)
}
