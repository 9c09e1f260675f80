package coordinator

// HeldLocks counts the per-swap locks currently in use.
func HeldLocks(c Coordinator) int {
	coord := c.(*coordinator)
	coord.mu.Lock()
	defer coord.mu.Unlock()
	return len(coord.locks)
}
