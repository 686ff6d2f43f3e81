// Package deps models the read/write dependency records attached to every
// buffer-producing node of the dataflow graph.
//
// A dependency record is either precise -- a MemoryDep carrying the canonical
// index expression and iteration sizes, used to decide exact aliasing and
// fusability -- or coarse -- a StarDep meaning "the whole buffer, unknown
// structure", the safe fallback used for opaque kernel calls and
// cross-mutation edges.
//
// Index expressions are produced (and canonicalized) by the front-end; this
// package treats them as opaque and compares them structurally. Two precise
// records refer to the same memory iff their index and sizes are equal.
package deps

import (
	"fmt"
	"strings"

	"github.com/gomlx/fuser/types"
)

// Expr is a canonical index expression over iteration variables, e.g.
// "i0*128+i1". Symbolic simplification happens in the front-end; records with
// equal Expr strings address the same locations.
type Expr string

// Dep is one dependency record. The two implementations are MemoryDep
// (precise) and StarDep (coarse).
type Dep interface {
	// BufferName returns the name of the buffer this record refers to.
	BufferName() string

	// Key is the canonical identity of the record, used to index the
	// blocked-nodes multi-map and the fusable-dependency set.
	Key() Key

	// Rename returns the record with its buffer name substituted according to
	// renames. Records whose name has no entry are returned unchanged.
	Rename(renames map[string]string) Dep

	fmt.Stringer
}

// Key canonically identifies a dependency record. Two records with the same
// Key refer to the same memory region of the same buffer.
type Key string

// MemoryDep is a precise dependency: a buffer name plus the index expression
// and iteration sizes with which it is accessed.
type MemoryDep struct {
	Buffer string
	Index  Expr
	Sizes  []int64
}

// StarDep is a coarse dependency on a whole buffer, with no aliasing
// structure. Used for opaque kernel calls and mutation ordering edges, and as
// the fallback when a precise record cannot be built.
type StarDep struct {
	Buffer string
}

var (
	_ Dep = MemoryDep{}
	_ Dep = StarDep{}
)

// BufferName implements Dep.
func (d MemoryDep) BufferName() string { return d.Buffer }

// Key implements Dep.
func (d MemoryDep) Key() Key {
	var sb strings.Builder
	sb.WriteString(d.Buffer)
	sb.WriteByte('[')
	sb.WriteString(string(d.Index))
	sb.WriteByte(']')
	for _, size := range d.Sizes {
		fmt.Fprintf(&sb, "/%d", size)
	}
	return Key(sb.String())
}

// Rename implements Dep.
func (d MemoryDep) Rename(renames map[string]string) Dep {
	if newName, found := renames[d.Buffer]; found {
		return MemoryDep{Buffer: newName, Index: d.Index, Sizes: d.Sizes}
	}
	return d
}

func (d MemoryDep) String() string {
	return fmt.Sprintf("MemoryDep(%q, %s, sizes=%v)", d.Buffer, d.Index, d.Sizes)
}

// SameRegion reports whether the two precise records address the same memory:
// structural equality of index and sizes.
func (d MemoryDep) SameRegion(other MemoryDep) bool {
	if d.Index != other.Index || len(d.Sizes) != len(other.Sizes) {
		return false
	}
	for i, size := range d.Sizes {
		if other.Sizes[i] != size {
			return false
		}
	}
	return true
}

// StripLastSize drops the trailing (reduced) dimension. A reduction keeps the
// reduced dimension in its sizes, and downstream point-wise consumers address
// the output without it.
func (d MemoryDep) StripLastSize() MemoryDep {
	if len(d.Sizes) == 0 {
		return d
	}
	return MemoryDep{Buffer: d.Buffer, Index: d.Index, Sizes: d.Sizes[:len(d.Sizes)-1]}
}

// BroadcastExtendSizes returns the record extended with extra trailing sizes,
// matching a consumer that broadcasts the value over the reduced dimensions.
func (d MemoryDep) BroadcastExtendSizes(extra ...int64) MemoryDep {
	sizes := make([]int64, len(d.Sizes), len(d.Sizes)+len(extra))
	copy(sizes, d.Sizes)
	return MemoryDep{Buffer: d.Buffer, Index: d.Index, Sizes: append(sizes, extra...)}
}

// BufferName implements Dep.
func (d StarDep) BufferName() string { return d.Buffer }

// Key implements Dep.
func (d StarDep) Key() Key { return Key(d.Buffer + "[*]") }

// Rename implements Dep.
func (d StarDep) Rename(renames map[string]string) Dep {
	if newName, found := renames[d.Buffer]; found {
		return StarDep{Buffer: newName}
	}
	return d
}

func (d StarDep) String() string {
	return fmt.Sprintf("StarDep(%q)", d.Buffer)
}

// Set is a set of dependency records, keyed by their canonical Key.
type Set map[Key]Dep

// MakeSet returns an empty Set.
func MakeSet() Set { return make(Set) }

// SetWith returns a Set holding the given records.
func SetWith(records ...Dep) Set {
	s := make(Set, len(records))
	s.Insert(records...)
	return s
}

// Insert the records into the set.
func (s Set) Insert(records ...Dep) {
	for _, d := range records {
		s[d.Key()] = d
	}
}

// Has reports whether an equal record is in the set.
func (s Set) Has(d Dep) bool {
	_, found := s[d.Key()]
	return found
}

// Delete removes the record, if present.
func (s Set) Delete(d Dep) {
	delete(s, d.Key())
}

// Clone returns a shallow copy of the set.
func (s Set) Clone() Set {
	s2 := make(Set, len(s))
	for k, d := range s {
		s2[k] = d
	}
	return s2
}

// Keys returns the set of canonical keys.
func (s Set) Keys() types.Set[Key] {
	keys := types.MakeSet[Key](len(s))
	for k := range s {
		keys.Insert(k)
	}
	return keys
}

// Names returns the set of buffer names referenced by the records.
func (s Set) Names() types.Set[string] {
	names := types.MakeSet[string](len(s))
	for _, d := range s {
		names.Insert(d.BufferName())
	}
	return names
}

// SubsetOfKeys reports whether every record's key is in keys.
func (s Set) SubsetOfKeys(keys types.Set[Key]) bool {
	for k := range s {
		if !keys.Has(k) {
			return false
		}
	}
	return true
}

// Sorted returns the records ordered by canonical key, for deterministic
// iteration.
func (s Set) Sorted() []Dep {
	records := make([]Dep, 0, len(s))
	for _, k := range types.SortedKeys(s.Keys()) {
		records = append(records, s[k])
	}
	return records
}

// Single returns the only record of the set, or found=false if the set does
// not hold exactly one record.
func (s Set) Single() (d Dep, found bool) {
	if len(s) != 1 {
		return nil, false
	}
	for _, d = range s {
		return d, true
	}
	return nil, false
}

// Rename returns a new Set with every record renamed.
func (s Set) Rename(renames map[string]string) Set {
	s2 := make(Set, len(s))
	for _, d := range s {
		s2.Insert(d.Rename(renames))
	}
	return s2
}

// ReadWrites holds the read and write records of one node.
type ReadWrites struct {
	Reads, Writes Set
}

// NewReadWrites builds a ReadWrites from the raw per-node records handed over
// by the front-end.
func NewReadWrites(reads, writes []Dep) ReadWrites {
	return ReadWrites{Reads: SetWith(reads...), Writes: SetWith(writes...)}
}

// Rename returns the ReadWrites with every record renamed.
func (rw ReadWrites) Rename(renames map[string]string) ReadWrites {
	return ReadWrites{Reads: rw.Reads.Rename(renames), Writes: rw.Writes.Rename(renames)}
}

// WithRead returns the ReadWrites extended with one extra read record.
func (rw ReadWrites) WithRead(d Dep) ReadWrites {
	reads := rw.Reads.Clone()
	reads.Insert(d)
	return ReadWrites{Reads: reads, Writes: rw.Writes}
}

// SortedNames returns all buffer names referenced, reads and writes, sorted.
func (rw ReadWrites) SortedNames() []string {
	names := rw.Reads.Names()
	names.InsertSet(rw.Writes.Names())
	return types.SortedKeys(names)
}
