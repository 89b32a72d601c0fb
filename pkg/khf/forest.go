package khf

import (
	"sort"

	"github.com/mr-shifu/kms-lib/pkg/kdf"
)

// pos addresses a forest node. Level 0 nodes are the widest shape and
// tile the id space indefinitely; level len(fanouts) is the leaf level,
// where a node covers exactly one id.
type pos struct {
	Level uint64
	Index uint64
}

type node struct {
	pos pos
	key []byte
}

// geometry precomputes, for the configured fanouts, how many leaves a
// node at each level covers.
type geometry struct {
	fanouts []uint64
	widths  []uint64 // widths[l] = leaves covered by a level-l node
}

func newGeometry(fanouts []uint64) geometry {
	depth := len(fanouts)
	widths := make([]uint64, depth+1)
	widths[depth] = 1
	for l := depth - 1; l >= 0; l-- {
		widths[l] = fanouts[l] * widths[l+1]
	}
	return geometry{fanouts: fanouts, widths: widths}
}

func (g geometry) leafLevel() uint64 {
	return uint64(len(g.fanouts))
}

// span returns the leaf range [lo, hi) covered by a node at p.
func (g geometry) span(p pos) (uint64, uint64) {
	w := g.widths[p.Level]
	return p.Index * w, (p.Index + 1) * w
}

// cover returns the minimal aligned node cover of the leaf range
// [lo, hi), ordered by span.
func (g geometry) cover(lo, hi uint64) []pos {
	var out []pos
	for lo < hi {
		level := g.leafLevel()
		for level > 0 && lo%g.widths[level-1] == 0 && lo+g.widths[level-1] <= hi {
			level--
		}
		out = append(out, pos{Level: level, Index: lo / g.widths[level]})
		lo += g.widths[level]
	}
	return out
}

// children expands n into its direct children, deriving their keys from
// n's key.
func (g geometry) children(n node) []node {
	f := g.fanouts[n.pos.Level]
	base := n.pos.Index * f
	out := make([]node, 0, f)
	for c := uint64(0); c < f; c++ {
		p := pos{Level: n.pos.Level + 1, Index: base + c}
		out = append(out, node{pos: p, key: kdf.ChildKey(n.key, p.Level, p.Index)})
	}
	return out
}

// leafKey hashes down from n to the key of leaf id, which must lie
// within n's span. The returned slice never aliases n's key.
func (g geometry) leafKey(n node, id uint64) []byte {
	if n.pos.Level == g.leafLevel() {
		out := make([]byte, len(n.key))
		copy(out, n.key)
		return out
	}
	key := n.key
	for l := n.pos.Level + 1; l <= g.leafLevel(); l++ {
		next := kdf.ChildKey(key, l, id/g.widths[l])
		if l > n.pos.Level+1 {
			kdf.Zero(key)
		}
		key = next
	}
	return key
}

// fragment replaces n with the minimal set of descendants covering n's
// span minus exclude. Excluded leaves are not emitted; their replacement
// keys come from the pending set. exclude must be sorted and lie within
// n's span. Keys of expanded interior nodes are zeroized on the way out;
// n's own key is the caller's to erase.
func (g geometry) fragment(n node, exclude []uint64) []node {
	if len(exclude) == 0 {
		return []node{n}
	}
	if n.pos.Level == g.leafLevel() {
		return nil
	}
	var out []node
	for _, child := range g.children(n) {
		lo, hi := g.span(child.pos)
		sub := within(exclude, lo, hi)
		if len(sub) == 0 {
			out = append(out, child)
			continue
		}
		out = append(out, g.fragment(child, sub)...)
		kdf.Zero(child.key)
	}
	return out
}

// within returns the subrange of the sorted slice ids falling in [lo, hi).
func within(ids []uint64, lo, hi uint64) []uint64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= lo })
	j := sort.Search(len(ids), func(j int) bool { return ids[j] >= hi })
	return ids[i:j]
}

func sortNodes(g geometry, nodes []node) {
	sort.Slice(nodes, func(i, j int) bool {
		li, _ := g.span(nodes[i].pos)
		lj, _ := g.span(nodes[j].pos)
		return li < lj
	})
}
