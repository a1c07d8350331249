package dispatch

import (
	"github.com/kazz187/packetguild/internal/packet"
)

// demotion records a subtask moved out of its lane because it overlaps a
// subtask in an earlier lane.
type demotion struct {
	subtask  string
	overlaps string
	resource string
	from, to int
}

// demoteOverlaps returns lanes in which no two lanes share a resource. A
// subtask overlapping a subtask of an earlier lane is moved to the end of
// that lane so the pair runs in order. Empty lanes are dropped.
func demoteOverlaps(lanes [][]string, plan *packet.Plan) ([][]string, []demotion) {
	res := make(map[string][]string)
	for _, l := range lanes {
		for _, id := range l {
			if st := plan.Subtask(id); st != nil {
				res[id] = cleanResources(st.Resources)
			}
		}
	}
	out := make([][]string, len(lanes))
	for i, l := range lanes {
		out[i] = append([]string(nil), l...)
	}

	var moved []demotion
	for {
		d, ok := firstOverlap(out, res)
		if !ok {
			break
		}
		lane := out[d.from]
		for k, id := range lane {
			if id == d.subtask {
				out[d.from] = append(lane[:k:k], lane[k+1:]...)
				break
			}
		}
		out[d.to] = append(out[d.to], d.subtask)
		moved = append(moved, d)
	}

	compact := out[:0]
	for _, l := range out {
		if len(l) > 0 {
			compact = append(compact, l)
		}
	}
	return compact, moved
}

func firstOverlap(lanes [][]string, res map[string][]string) (demotion, bool) {
	for j := 1; j < len(lanes); j++ {
		for _, b := range lanes[j] {
			for i := 0; i < j; i++ {
				for _, a := range lanes[i] {
					if r, ok := shared(res[a], res[b]); ok {
						return demotion{subtask: b, overlaps: a, resource: r, from: j, to: i}, true
					}
				}
			}
		}
	}
	return demotion{}, false
}

// shared returns the first common element of two sorted slices.
func shared(a, b []string) (string, bool) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return a[i], true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return "", false
}
