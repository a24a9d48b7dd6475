package chat

import "hash/fnv"

// NumericID maps a platform string identifier (Matrix user or room ID) to a
// stable positive int64. FNV-64a keeps the mapping cheap and deterministic
// across restarts; the sign bit is masked so IDs survive JSON round-trips
// through systems that treat negative IDs as sentinels.
func NumericID(platformID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(platformID))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// NumericIDs maps a list of platform identifiers, preserving order.
func NumericIDs(platformIDs []string) []int64 {
	out := make([]int64, 0, len(platformIDs))
	for _, p := range platformIDs {
		out = append(out, NumericID(p))
	}
	return out
}
