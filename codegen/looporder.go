package codegen

import (
	"sort"
)

func cmp(a, b bool) int {
	var ai, bi int
	if a {
		ai = 1
	}
	if b {
		bi = 1
	}
	return ai - bi
}

// PickLoopOrder decides loop iteration order for a kernel, given the stride
// length of each buffer access (rows) per iteration dimension (columns), and
// the dimension sizes.
//
// If priorityIdx is non-empty, only those rows' access patterns are
// considered. The heuristic has not been well tuned and may be something to
// autotune eventually.
func PickLoopOrder(strideLengths [][]int64, sizes []int64, priorityIdx []int) []int {
	if len(priorityIdx) > 0 {
		selected := make([][]int64, 0, len(priorityIdx))
		for _, idx := range priorityIdx {
			selected = append(selected, strideLengths[idx])
		}
		strideLengths = selected
	}

	indexCmp := func(a, b int) int {
		if sizes[a] == 1 || sizes[b] == 1 {
			// 1-sizes don't matter, just move them to the end.
			return cmp(sizes[a] == 1, sizes[b] == 1)
		}

		aFirst, bFirst := true, true
		for _, row := range strideLengths {
			if !(row[b] == 0 || row[a] < row[b]) {
				aFirst = false
			}
			if !(row[a] == 0 || row[a] > row[b]) {
				bFirst = false
			}
		}
		if aFirst && !bFirst {
			return -1
		}
		if bFirst && !aFirst {
			return 1
		}

		// Otherwise contiguous: keep higher dimensions innermost.
		switch {
		case b > a:
			return 1
		case b < a:
			return -1
		}
		return 0
	}

	order := make([]int, len(sizes))
	for i := range order {
		order[i] = len(sizes) - 1 - i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return indexCmp(order[i], order[j]) < 0
	})
	return order
}
