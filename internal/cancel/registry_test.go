package cancel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_LazyCancelBeforeRegister(t *testing.T) {
	r := New()
	require.False(t, r.IsCancelled("p1"))
	r.Cancel("p1")
	require.True(t, r.IsCancelled("p1"))
}

func TestRegistry_CancelIsIdempotent(t *testing.T) {
	r := New()
	r.Register("p1")
	r.Cancel("p1")
	require.NotPanics(t, func() { r.Cancel("p1") })
	require.True(t, r.IsCancelled("p1"))
}

func TestRegistry_ClearResets(t *testing.T) {
	r := New()
	r.Cancel("p1")
	require.True(t, r.IsCancelled("p1"))
	r.Clear("p1")
	require.False(t, r.IsCancelled("p1"))
}

func TestRegistry_DoneChannelClosesOnCancel(t *testing.T) {
	r := New()
	r.Register("p1")
	done := r.Done("p1")
	select {
	case <-done:
		t.Fatal("expected not yet cancelled")
	default:
	}
	r.Cancel("p1")
	select {
	case <-done:
	default:
		t.Fatal("expected cancelled channel to be closed")
	}
}

func TestRegistry_UnregisteredIsNotCancelled(t *testing.T) {
	r := New()
	require.False(t, r.IsCancelled("unknown"))
}
