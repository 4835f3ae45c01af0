package vfs

import "hash/fnv"

// stableIno derives a stable inode number from a mount-relative path, so
// repeated lookups of the same entry agree.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}
