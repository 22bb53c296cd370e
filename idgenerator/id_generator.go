// Package idgenerator hands out session identifiers.
package idgenerator

import "sync/atomic"

// IdGenerator generates increasing uint32 ids in a concurrency-safe manner.
// The first call to Id returns the value given at construction.
type IdGenerator struct {
	next atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id() is first. The
// sequence wraps to zero only after 2^32 ids.
//
// Parameters:
//   - first: The first id handed out
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(first uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.next.Store(first)
	return gen
}

// Id returns the next unique id. It is safe for concurrent use.
func (g *IdGenerator) Id() uint32 {
	return g.next.Add(1) - 1
}

// Peek returns the id the next call to Id will hand out without consuming it.
func (g *IdGenerator) Peek() uint32 {
	return g.next.Load()
}
