// Package pool computes which staging servers are free to host a new pull
// request environment.
package pool

import (
	"sort"

	"github.com/pullrekun/pullrekun/models"
)

// Pool is the set of free staging servers for one reconciliation cycle.
// It is rebuilt from the ledger at the start of every cycle and must not
// be kept across cycles.
//
// Servers are handed out lowest ID first so that a given ledger state
// always produces the same assignment.
type Pool struct {
	free []models.Server
}

// New returns the staging servers not referenced by any open pull
// request. Closed pull requests never hold a server, even if their row
// still points at one.
func New(servers []models.Server, pulls []models.PullRequest) *Pool {
	taken := make(map[int64]bool)
	for _, p := range pulls {
		if p.IsOpen() && p.HasServer() {
			taken[*p.ServerID] = true
		}
	}
	var free []models.Server
	for _, s := range servers {
		if s.IsStaging && !taken[s.ID] {
			free = append(free, s)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	return &Pool{free: free}
}

// TakeFreeServer removes and returns the free server with the lowest ID.
// It returns false when the pool is exhausted.
func (p *Pool) TakeFreeServer() (models.Server, bool) {
	if len(p.free) == 0 {
		return models.Server{}, false
	}
	s := p.free[0]
	p.free = p.free[1:]
	return s, true
}

// Release puts a server back, e.g. when a launch was abandoned before the
// ledger recorded it.
func (p *Pool) Release(s models.Server) {
	for _, f := range p.free {
		if f.ID == s.ID {
			return
		}
	}
	p.free = append(p.free, s)
	sort.Slice(p.free, func(i, j int) bool { return p.free[i].ID < p.free[j].ID })
}

// Len returns the number of free servers.
func (p *Pool) Len() int {
	return len(p.free)
}

// Exhausted returns true if no server is free.
func (p *Pool) Exhausted() bool {
	return len(p.free) == 0
}

// Free returns a copy of the free servers in allocation order.
func (p *Pool) Free() []models.Server {
	return append([]models.Server(nil), p.free...)
}
