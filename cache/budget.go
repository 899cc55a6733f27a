package cache

// DefaultCeiling is the largest budget ever computed from free space.
const DefaultCeiling int64 = 5 << 30

// ComputeBudget returns the byte budget for a cache with free bytes of disk
// available: the ceiling when free space exceeds it, otherwise half the free
// space.
func ComputeBudget(free, ceiling int64) int64 {
	if free > ceiling {
		return ceiling
	}
	if free <= 0 {
		return 0
	}
	return free / 2
}
