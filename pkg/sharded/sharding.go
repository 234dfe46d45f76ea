package sharded

import "hash/fnv"

// DefaultShards is the shard count used by the mirror engine's concurrent tables.
const DefaultShards = 64

// getShardIndex calculates the shard index for a given key.
// It uses the FNV-1a hash algorithm.
// numShards must be a power of 2 for the bitwise AND optimization to work correctly.
func getShardIndex(key string, numShards int) int {
	h := fnv.New32a()
	// Write never returns an error for FNV-1a, so we ignore the return value.
	h.Write([]byte(key))
	hashValue := h.Sum32()
	// Optimization: Use bitwise AND for power-of-2 modulus.
	return int(hashValue & uint32(numShards-1))
}

// Index maps a key onto one of n buckets using the same FNV-1a hash as the shards.
// Unlike getShardIndex, n does not need to be a power of two. It is used to pin
// all work for one path onto the same worker.
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
