package mathx

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash2 is a stateless per-cell hash used for seeded world generation.
func Hash2(seed int64, x, y int32) uint64 {
	ux := uint64(uint32(x))
	uy := uint64(uint32(y))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// Hash3 mixes a third value (e.g. a commit sequence) into Hash2.
func Hash3(seed int64, x, y int32, n uint64) uint64 {
	return mix64(Hash2(seed, x, y) ^ (n * 0xc2b2ae3d27d4eb4f))
}

// Unit maps a hash onto [0,1).
func Unit(h uint64) float64 {
	return float64(h>>11) / float64(uint64(1)<<53)
}
