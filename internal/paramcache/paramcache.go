// Package paramcache implements the short-TTL parameter-metadata cache
// shared by the set_parameter step handler and the continuous parameter
// logger (spec §4.C, §4.F): a 5-minute TTL with a 60-second background bulk
// refresh, so a cache hit stays well under 10 ms.
package paramcache

import (
	"context"
	"sync"
	"time"

	"github.com/aldctl/control-core/internal/store"
	"github.com/aldctl/control-core/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// TTL is how long a cached entry is trusted before a miss forces a
	// synchronous reload.
	TTL = 5 * time.Minute
	// RefreshInterval is the cadence of the background bulk refresh.
	RefreshInterval = 60 * time.Second
)

// Cache holds ComponentParameter rows keyed by parameter_id, plus a
// secondary index by write address used to resolve set_parameter commands
// addressed by Modbus register rather than name (spec §6).
type Cache struct {
	mu sync.RWMutex

	store store.ComponentParameterStore

	byID        map[string]*models.ComponentParameter
	byWriteAddr map[int]string
	loadedAt    time.Time

	// OnRefresh, if set, is called with a snapshot of every parameter after
	// each full reload. internal/app uses this to keep the simulated PLC's
	// address bindings (plc.SimulatedPLC.RegisterParameter) in step with
	// whatever parameters the store currently has.
	OnRefresh func([]*models.ComponentParameter)
}

// New constructs an empty Cache. Call Refresh once before serving traffic.
func New(s store.ComponentParameterStore) *Cache {
	return &Cache{
		store:       s,
		byID:        make(map[string]*models.ComponentParameter),
		byWriteAddr: make(map[int]string),
	}
}

// Refresh performs a full bulk reload from the store.
func (c *Cache) Refresh(ctx context.Context) error {
	params, err := c.store.ListComponentParameters(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.ComponentParameter, len(params))
	byAddr := make(map[int]string, len(params))
	for _, p := range params {
		byID[p.ParameterID] = p
		if p.WriteModbusAddress != nil {
			byAddr[*p.WriteModbusAddress] = p.ParameterID
		}
	}
	c.mu.Lock()
	c.byID = byID
	c.byWriteAddr = byAddr
	c.loadedAt = time.Now()
	c.mu.Unlock()

	if c.OnRefresh != nil {
		c.OnRefresh(params)
	}
	return nil
}

// RunBackgroundRefresh refreshes the cache on RefreshInterval until ctx is
// cancelled. Intended to run in its own goroutine, embedded in the
// continuous parameter logger's lifecycle (spec §5).
func (c *Cache) RunBackgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("parameter metadata cache refresh failed")
			}
		}
	}
}

func (c *Cache) stale() bool {
	return time.Since(c.loadedAt) > TTL
}

// Get returns the cached parameter by id, reloading synchronously from the
// store on a TTL miss or an unseen id.
func (c *Cache) Get(ctx context.Context, parameterID string) (*models.ComponentParameter, error) {
	c.mu.RLock()
	p, ok := c.byID[parameterID]
	stale := c.stale()
	c.mu.RUnlock()
	if ok && !stale {
		cp := *p
		return &cp, nil
	}

	fresh, err := c.store.GetComponentParameter(ctx, parameterID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[parameterID] = fresh
	if fresh.WriteModbusAddress != nil {
		c.byWriteAddr[*fresh.WriteModbusAddress] = fresh.ParameterID
	}
	c.mu.Unlock()
	cp := *fresh
	return &cp, nil
}

// GetByWriteAddress resolves a parameter by its write Modbus address,
// falling back to a store lookup on a cache miss.
func (c *Cache) GetByWriteAddress(ctx context.Context, address int) (*models.ComponentParameter, error) {
	c.mu.RLock()
	id, ok := c.byWriteAddr[address]
	c.mu.RUnlock()
	if ok {
		return c.Get(ctx, id)
	}

	p, err := c.store.FindComponentParameterByWriteAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[p.ParameterID] = p
	c.byWriteAddr[address] = p.ParameterID
	c.mu.Unlock()
	cp := *p
	return &cp, nil
}

// All returns a snapshot of every cached parameter, used by the continuous
// logger to build its bulk-read address groupings.
func (c *Cache) All() []*models.ComponentParameter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.ComponentParameter, 0, len(c.byID))
	for _, p := range c.byID {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Invalidate overwrites the cached entry for a parameter with the
// post-update row, as required after a set_parameter write (spec §4.C).
func (c *Cache) Invalidate(p *models.ComponentParameter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *p
	c.byID[p.ParameterID] = &cp
	if p.WriteModbusAddress != nil {
		c.byWriteAddr[*p.WriteModbusAddress] = p.ParameterID
	}
}
