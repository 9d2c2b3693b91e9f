package graph

import "example.com/timelinesync/internal/models"

type idSet map[models.EntityID]struct{}

// adjacency keeps one canonical edge set per relation (out) and a reverse
// index (in) that is only ever written by add/remove, never directly.
type adjacency struct {
	out map[models.EntityID]idSet
	in  map[models.EntityID]idSet
}

func newAdjacency() *adjacency {
	return &adjacency{
		out: make(map[models.EntityID]idSet),
		in:  make(map[models.EntityID]idSet),
	}
}

func (a *adjacency) has(from, to models.EntityID) bool {
	_, ok := a.out[from][to]
	return ok
}

func (a *adjacency) add(from, to models.EntityID) bool {
	if a.has(from, to) {
		return false
	}
	if a.out[from] == nil {
		a.out[from] = make(idSet)
	}
	a.out[from][to] = struct{}{}
	if a.in[to] == nil {
		a.in[to] = make(idSet)
	}
	a.in[to][from] = struct{}{}
	return true
}

func (a *adjacency) remove(from, to models.EntityID) bool {
	if !a.has(from, to) {
		return false
	}
	delete(a.out[from], to)
	if len(a.out[from]) == 0 {
		delete(a.out, from)
	}
	delete(a.in[to], from)
	if len(a.in[to]) == 0 {
		delete(a.in, to)
	}
	return true
}

func (a *adjacency) targets(from models.EntityID) []models.EntityID {
	return keys(a.out[from])
}

func (a *adjacency) sources(to models.EntityID) []models.EntityID {
	return keys(a.in[to])
}

func keys(s idSet) []models.EntityID {
	out := make([]models.EntityID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}
