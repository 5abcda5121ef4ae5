package paramcache

import (
	"context"
	"testing"

	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*store.MemoryStore, *Cache) {
	t.Helper()
	s := store.NewMemoryStore("m1")
	addr := 100
	s.SeedParameter(&models.ComponentParameter{
		ParameterID:        "p1",
		Name:               "chamber_temp",
		MinValue:           0,
		MaxValue:           500,
		WriteModbusAddress: &addr,
	})
	c := New(s)
	require.NoError(t, c.Refresh(context.Background()))
	return s, c
}

func TestCache_GetHit(t *testing.T) {
	_, c := seeded(t)
	p, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, "chamber_temp", p.Name)
}

func TestCache_GetByWriteAddress(t *testing.T) {
	_, c := seeded(t)
	p, err := c.GetByWriteAddress(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, "p1", p.ParameterID)
}

func TestCache_InvalidateOverwritesEntry(t *testing.T) {
	_, c := seeded(t)
	p, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)
	p.SetValue = 275.0
	c.Invalidate(p)

	got, err := c.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 275.0, got.SetValue)
}

func TestCache_MissFallsBackToStore(t *testing.T) {
	s, c := seeded(t)
	s.SeedParameter(&models.ComponentParameter{ParameterID: "p2", Name: "pressure"})

	p, err := c.Get(context.Background(), "p2")
	require.NoError(t, err)
	require.Equal(t, "pressure", p.Name)
}
