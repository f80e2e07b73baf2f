// Package sarray implements the suffix-array based diff generator
// (component B, spec.md §4.B): given a source and target byte slice, emit
// a Copy/Insert command stream recover.Recover can invert. The stream comes
// from a heuristic match search and is not guaranteed to be the shortest.
package sarray

import (
	"io"
	"math"

	"github.com/NoCompliers/MineGit/internal/diffcmd"
)

// MinCopySize is the smallest run length worth emitting as a Copy command;
// anything shorter is folded into the surrounding Insert run instead.
const MinCopySize = 16

// Generator holds the working state for one source/target diff. It is not
// safe for concurrent use, but a single Generator may be reused across
// multiple Init/Generate calls (each Init discards the previous state).
type Generator struct {
	data    []byte
	n       int // len(source); data[:n] is source, data[n:] is target
	closest [][2]int

	// MinCopyFloor overrides MinCopySize for this Generator when nonzero,
	// letting a caller trade smaller diffs (lower floor, more Copy commands)
	// against cheaper command streams (higher floor, more inlined Insert
	// bytes). Zero means "use MinCopySize".
	MinCopyFloor int
}

// Init loads source and target into the generator, ready for Generate.
func (g *Generator) Init(source, target []byte) {
	g.data = make([]byte, 0, len(source)+len(target))
	g.data = append(g.data, source...)
	g.data = append(g.data, target...)
	g.n = len(source)
	g.closest = nil
}

// initClosest builds, for every target-suffix position, the nearest
// preceding ("smaller") and following ("bigger") source-suffix position in
// sorted suffix order — the two candidate match points the sandwich
// heuristic compares at Generate time. A sentinel of -1 means "no such
// neighbour".
func (g *Generator) initClosest() {
	sa := buildSuffixArray(g.data)
	n := g.n
	total := len(g.data)
	m := total - n

	closest := make([][2]int, m)
	for i := range closest {
		closest[i] = [2]int{-1, -1}
	}

	i := 0
	for i < total && sa[i] >= n {
		i++
	}
	lastData := 0
	for ; i < total; i++ {
		idx := sa[i]
		if idx < n {
			for j := lastData; j < i; j++ {
				closest[sa[j]-n][1] = idx
			}
			lastData = i + 1
		} else {
			closest[idx-n][0] = sa[lastData-1]
		}
	}

	g.closest = closest
}

// Generate writes the diff command stream transforming source into target
// to w. baseSIdx is added to every Copy.SIdx emitted; pass 0 for a plain
// whole-file diff, or a chunk's virtual base offset when this generator is
// reused to diff one region chunk's bytes against another (component E).
func (g *Generator) Generate(w io.Writer, baseSIdx uint64) error {
	g.initClosest()
	data := g.data
	n := g.n
	closest := g.closest
	m := len(data) - n

	minCopy := MinCopySize
	if g.MinCopyFloor > 0 {
		minCopy = g.MinCopyFloor
	}

	saveFrom := 0
	i := 0
	for i < m {
		smaller, bigger := closest[i][0], closest[i][1]

		l1 := 0
		if smaller >= 0 {
			for smaller+l1 < n && i+l1 < m && data[smaller+l1] == data[i+l1+n] {
				l1++
			}
		}
		l2 := 0
		if bigger >= 0 {
			for bigger+l2 < n && i+l2 < m && data[bigger+l2] == data[i+l2+n] {
				l2++
			}
		}

		j, l := smaller, l1
		if l2 > l1 {
			j, l = bigger, l2
		}

		if l < minCopy {
			i++
			continue
		}

		if saveFrom != i {
			if err := diffcmd.WriteInsert(w, data[saveFrom+n:i+n]); err != nil {
				return err
			}
		}

		sidx64 := baseSIdx + uint64(j)
		if sidx64 > math.MaxUint32 {
			panic("sarray: Copy.SIdx exceeds 32 bits")
		}
		if err := diffcmd.Serialize(w, diffcmd.Command{
			Kind: diffcmd.KindCopy,
			SIdx: uint32(sidx64),
			Len:  uint32(l),
		}); err != nil {
			return err
		}

		i += l
		saveFrom = i
	}

	if saveFrom != m {
		if err := diffcmd.WriteInsert(w, data[saveFrom+n:m+n]); err != nil {
			return err
		}
	}

	return nil
}
