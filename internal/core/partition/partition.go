package partition

import "github.com/cespare/xxhash/v2"

// Count is the fixed number of logical partitions group keys are spread over.
// Storage backends persist it alongside each row; changing it reshuffles keys.
const Count = 256

// For returns the partition ID for a group key.
// Same key always maps to the same partition.
func For(groupKey string) int {
	return int(Hash(groupKey) % Count)
}

// Hash is the 64-bit digest used for ordered storage keys.
func Hash(groupKey string) uint64 {
	return xxhash.Sum64String(groupKey)
}
