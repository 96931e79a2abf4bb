package core

// PoolStats represents runtime observability state for a proc pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Global  int
	Active  int
	Running bool
}
