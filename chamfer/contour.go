package chamfer

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// Direction vectors: N, E, S, W in row/column space
var contourDirs = [4]struct{ dr, dc int }{
	{-1, 0},
	{0, 1},
	{1, 0},
	{0, -1},
}

// crack is one side of an occupied pixel facing an empty one, running from
// the pixel corner (r, c) in direction dir with the pixel on its right
type crack struct {
	r, c, dir int
}

func (k crack) end() (int, int) {
	return k.r + contourDirs[k.dir].dr, k.c + contourDirs[k.dir].dc
}

// TraceSilhouette follows the borders of the occupied region of a frame and
// returns one closed ring per outline or hole. Vertices sit on pixel
// corners, x being the column and y the row counted from the top. Pixels
// touching only diagonally get separate rings. A positive tolerance
// simplifies each ring with Douglas-Peucker.
func TraceSilhouette(frame *Frame, flipRows bool, tolerance float64) []orb.Ring {
	if frame == nil {
		return nil
	}
	grid := make([]bool, frame.Rows*frame.Cols)
	for r := 0; r < frame.Rows; r++ {
		occ := frame.Row(r, flipRows)
		for c := 0; c < frame.Cols; c++ {
			grid[r*frame.Cols+c] = Occupied(occ[c])
		}
	}

	rings := traceContours(grid, frame.Rows, frame.Cols)
	if tolerance <= 0 {
		return rings
	}
	dp := simplify.DouglasPeucker(tolerance)
	for i, ring := range rings {
		if s, ok := dp.Simplify(ring).(orb.Ring); ok && len(s) >= 4 {
			rings[i] = s
		}
	}
	return rings
}

// traceContours collects every crack in scan order and walks each unvisited
// one around its loop
func traceContours(grid []bool, rows, cols int) []orb.Ring {
	isSet := func(r, c int) bool {
		return r >= 0 && r < rows && c >= 0 && c < cols && grid[r*cols+c]
	}

	var cracks []crack
	out := make(map[[2]int][]crack)
	add := func(k crack) {
		cracks = append(cracks, k)
		out[[2]int{k.r, k.c}] = append(out[[2]int{k.r, k.c}], k)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if !isSet(r, c) {
				continue
			}
			if !isSet(r-1, c) {
				add(crack{r, c, 1})
			}
			if !isSet(r, c+1) {
				add(crack{r, c + 1, 2})
			}
			if !isSet(r+1, c) {
				add(crack{r + 1, c + 1, 3})
			}
			if !isSet(r, c-1) {
				add(crack{r + 1, c, 0})
			}
		}
	}

	var rings []orb.Ring
	seen := make(map[crack]bool, len(cracks))
	for _, k := range cracks {
		if !seen[k] {
			rings = append(rings, traceBoundary(k, out, seen))
		}
	}
	return rings
}

// traceBoundary walks from start until the loop closes, keeping a vertex
// wherever the direction changes. At a corner shared by two diagonal pixels
// it turns right, which keeps each pixel's outline separate.
func traceBoundary(start crack, out map[[2]int][]crack, seen map[crack]bool) orb.Ring {
	ring := orb.Ring{{float64(start.c), float64(start.r)}}
	cur := start
	for {
		seen[cur] = true
		r, c := cur.end()
		next, ok := nextCrack(cur.dir, out[[2]int{r, c}])
		if !ok || next == start {
			break
		}
		if next.dir != cur.dir {
			ring = append(ring, orb.Point{float64(c), float64(r)})
		}
		cur = next
	}
	return append(ring, ring[0])
}

func nextCrack(dir int, candidates []crack) (crack, bool) {
	for _, turn := range []int{1, 0, 3} {
		want := (dir + turn) % 4
		for _, k := range candidates {
			if k.dir == want {
				return k, true
			}
		}
	}
	return crack{}, false
}
