// Package neighbor provides a k-nearest-neighbor index over a point set.
//
// The index is a k-d tree built once over a snapshot of the points. It is read-only
// after Build and may be queried from many goroutines at once. When the underlying
// positions change, build a new index instead of mutating this one.
package neighbor

import (
	"math"
	"sort"

	"github.com/cwbudde/expectreg/internal/pointset"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// pivotSamples is the number of random elements sampled when choosing a split.
const pivotSamples = 100

// Neighbor is a query result: the index of the point in the indexed set and its
// squared Euclidean distance to the query point.
type Neighbor struct {
	Index           int
	SquaredDistance float64
}

// Distance returns the Euclidean distance to the query point.
func (n Neighbor) Distance() float64 {
	return math.Sqrt(n.SquaredDistance)
}

// Index answers k-nearest-neighbor queries over a fixed snapshot of points.
type Index struct {
	tree *kdtree.Tree
	n    int
	dim  int
}

// Build constructs an index over ps. The point set is not modified.
func Build(ps *pointset.PointSet) *Index {
	n := ps.Len()
	items := make(entries, n)
	for i := 0; i < n; i++ {
		items[i] = entry{p: ps.At(i), index: i}
	}
	idx := &Index{n: n, dim: ps.Dim()}
	if n > 0 {
		idx.tree = kdtree.New(items, false)
	}
	return idx
}

// Len returns the number of indexed points.
func (idx *Index) Len() int {
	return idx.n
}

// Dim returns the dimension of the indexed points.
func (idx *Index) Dim() int {
	return idx.dim
}

// Query returns the k points nearest to q ordered by ascending distance, ties broken
// by ascending index. If k exceeds the indexed set size all points are returned.
// k < 1 yields nil.
func (idx *Index) Query(q pointset.Point, k int) []Neighbor {
	if k < 1 || idx.n == 0 {
		return nil
	}
	if k > idx.n {
		k = idx.n
	}
	query := entry{p: q, index: -1}

	// One extra neighbor tells whether the k-th distance is shared by a point
	// outside the kept set.
	probe := k + 1
	if probe > idx.n {
		probe = idx.n
	}
	keeper := kdtree.NewNKeeper(probe)
	idx.tree.NearestSet(keeper, query)
	found := collect(keeper.Heap)

	if len(found) > k && found[k].SquaredDistance == found[k-1].SquaredDistance {
		// The boundary distance is tied. Gather every point within it so the
		// index tie-break is exact.
		dk := kdtree.NewDistKeeper(found[k-1].SquaredDistance)
		idx.tree.NearestSet(dk, query)
		found = collect(dk.Heap)
	}
	if len(found) > k {
		found = found[:k]
	}
	return found
}

// collect drops keeper sentinels and sorts by (distance, index).
func collect(heap kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(heap))
	for _, c := range heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{
			Index:           c.Comparable.(entry).index,
			SquaredDistance: c.Dist,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SquaredDistance != out[j].SquaredDistance {
			return out[i].SquaredDistance < out[j].SquaredDistance
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// entry is a point tagged with its position in the original set.
type entry struct {
	p     pointset.Point
	index int
}

func (e entry) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return e.p[d] - c.(entry).p[d]
}

func (e entry) Dims() int { return len(e.p) }

// Distance returns the squared Euclidean distance, which is what the tree keepers compare.
func (e entry) Distance(c kdtree.Comparable) float64 {
	return e.p.SquaredDistance(c.(entry).p)
}

// entries is the kdtree.Interface over tagged points. Pivoting reorders this slice,
// never the source point set.
type entries []entry

func (p entries) Index(i int) kdtree.Comparable         { return p[i] }
func (p entries) Len() int                              { return len(p) }
func (p entries) Pivot(d kdtree.Dim) int                { return plane{entries: p, Dim: d}.Pivot() }
func (p entries) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane allows entries to be partitioned along one dimension.
type plane struct {
	kdtree.Dim
	entries
}

func (p plane) Less(i, j int) bool { return p.entries[i].p[p.Dim] < p.entries[j].p[p.Dim] }
func (p plane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfRandoms(p, pivotSamples))
}
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.entries = p.entries[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.entries[i], p.entries[j] = p.entries[j], p.entries[i]
}
