package sarray

import "sort"

// buildSuffixArray returns the indices 0..len(data) in ascending order of the
// suffix they start (the classic suffix array). It uses rank-doubling with
// sort.Slice per round rather than a linear-time (SA-IS/DC3) construction:
// simpler to get right by inspection, at an O(n log^2 n) cost, one log
// factor above an O(n log n) construction.
func buildSuffixArray(data []byte) []int {
	n := len(data)
	sa := make([]int, n)
	rank := make([]int, n)
	tmp := make([]int, n)

	for i := 0; i < n; i++ {
		sa[i] = i
		rank[i] = int(data[i])
	}

	less := func(a, b, k int) bool {
		if rank[a] != rank[b] {
			return rank[a] < rank[b]
		}
		ra, rb := -1, -1
		if a+k < n {
			ra = rank[a+k]
		}
		if b+k < n {
			rb = rank[b+k]
		}
		return ra < rb
	}

	for k := 1; k < n; k *= 2 {
		sort.Slice(sa, func(i, j int) bool { return less(sa[i], sa[j], k) })

		tmp[sa[0]] = 0
		for i := 1; i < n; i++ {
			tmp[sa[i]] = tmp[sa[i-1]]
			if less(sa[i-1], sa[i], k) {
				tmp[sa[i]]++
			}
		}
		copy(rank, tmp)

		if rank[sa[n-1]] == n-1 {
			break
		}
	}

	return sa
}
