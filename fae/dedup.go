package fae

import "github.com/DolphinGui/faeutil/cfi"

// dedupEntry records where a previously-emitted program for a given rule
// already lives in the entries section.
type dedupEntry struct {
	rule   cfi.Rule
	offset uint32
	length uint32
}

// dedupIndex maps unwinding rules to already-emitted programs. The hash
// combines per-register-offset element hashes with XOR (order-independent,
// since the register map has no intrinsic iteration order) and mixes in
// the two scalar fields. Collisions are resolved by exact structural
// comparison (cfi.Rule.Equal) within a bucket.
type dedupIndex struct {
	buckets map[uint64][]dedupEntry
}

func newDedupIndex() *dedupIndex {
	return &dedupIndex{buckets: make(map[uint64][]dedupEntry)}
}

func rotl64(x uint64, k uint) uint64 { return x<<k | x>>(64-k) }

func hashElement(reg uint64, offset int64) uint64 {
	const fnvPrime = 1099511628211
	h := (reg + 1) * fnvPrime
	h ^= uint64(offset) * fnvPrime
	return h
}

// hashRule is commutative in register_offsets: XOR-combining each
// element's (rotated) hash means iterating the map in any order produces
// the same result.
func hashRule(r cfi.Rule) uint64 {
	h := r.CFARegister*31 + uint64(r.CFAOffset)
	for reg, off := range r.RegisterOffsets {
		h ^= rotl64(hashElement(reg, off), 7)
	}
	return h
}

func (d *dedupIndex) lookup(rule cfi.Rule) (dedupEntry, bool) {
	for _, e := range d.buckets[hashRule(rule)] {
		if e.rule.Equal(rule) {
			return e, true
		}
	}
	return dedupEntry{}, false
}

func (d *dedupIndex) insert(rule cfi.Rule, offset, length uint32) {
	h := hashRule(rule)
	d.buckets[h] = append(d.buckets[h], dedupEntry{rule: rule, offset: offset, length: length})
}
