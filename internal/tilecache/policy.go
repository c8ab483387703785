package tilecache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geoparquet-tiles/internal/tile"
)

// Policy stores finished tile results. Implementations decide what to evict.
// Calls are serialized by the Cache.
type Policy interface {
	Get(key tile.Coord) (Result, bool)
	Add(key tile.Coord, r Result)
	Len() int
}

// NewPolicy returns a bounded LRU for size > 0 and an unbounded map otherwise.
func NewPolicy(size int) (Policy, error) {
	if size <= 0 {
		return NewUnbounded(), nil
	}
	return NewLRU(size)
}

type lruPolicy struct {
	c *lru.Cache[tile.Coord, Result]
}

func NewLRU(size int) (Policy, error) {
	c, err := lru.New[tile.Coord, Result](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &lruPolicy{c: c}, nil
}

func (p *lruPolicy) Get(key tile.Coord) (Result, bool) { return p.c.Get(key) }
func (p *lruPolicy) Add(key tile.Coord, r Result)      { p.c.Add(key, r) }
func (p *lruPolicy) Len() int                          { return p.c.Len() }

type unbounded map[tile.Coord]Result

// NewUnbounded never evicts.
func NewUnbounded() Policy { return unbounded{} }

func (u unbounded) Get(key tile.Coord) (Result, bool) {
	r, ok := u[key]
	return r, ok
}

func (u unbounded) Add(key tile.Coord, r Result) { u[key] = r }
func (u unbounded) Len() int                     { return len(u) }
