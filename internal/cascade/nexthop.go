package cascade

// Path returns a shortest from -> to route (inclusive of both ends) as a
// list of vertex names, or ok=false if to is unreachable from from. Among
// multiple shortest paths, the lexicographically smallest predecessor is
// preferred at each step, so Path is deterministic for a fixed graph.
func (t *Topology) Path(from, to string) (path []string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.verts[from] || !t.verts[to] {
		return nil, false
	}
	if from == to {
		return []string{from}, true
	}

	dist := map[string]int{from: 0}
	pred := map[string]string{}
	queue := []string{from}

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, w := range t.sortedNeighbors(v) {
			if _, seen := dist[w]; !seen {
				dist[w] = dist[v] + 1
				pred[w] = v
				queue = append(queue, w)
			} else if dist[w] == dist[v]+1 && v < pred[w] {
				pred[w] = v
			}
		}
	}

	if _, reachable := dist[to]; !reachable {
		return nil, false
	}

	rev := []string{to}
	cur := to
	for cur != from {
		cur = pred[cur]
		rev = append(rev, cur)
	}
	path = make([]string, len(rev))
	for i, v := range rev {
		path[len(rev)-1-i] = v
	}
	return path, true
}

// bfsDistances returns the shortest-path distance in hops from `from` to
// every vertex reachable from it. Caller must hold at least t.mu.RLock.
func (t *Topology) bfsDistances(from string) map[string]int {
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for w := range t.edges[v] {
			if _, seen := dist[w]; !seen {
				dist[w] = dist[v] + 1
				queue = append(queue, w)
			}
		}
	}
	return dist
}

// inNeighbors returns every vertex with a direct edge into n. Caller must
// hold at least t.mu.RLock.
func (t *Topology) inNeighbors(n string) map[string]bool {
	out := make(map[string]bool)
	for from, tos := range t.edges {
		if tos[n] {
			out[from] = true
		}
	}
	return out
}

// ChooseNexts implements choose_nexts(started, current): given a cascade
// message that originated at started and has reached current, it
// returns the subset of current's out-neighbours that current should
// forward to, sorted.
//
// If started == current (the message is still at its origin), every
// out-neighbour is a valid next hop. Otherwise a candidate n is dropped
// whenever some other in-neighbour m of n (other than current itself)
// would deliver to n at least as directly: m == started always wins
// (the origin already reaches n directly); otherwise the node with the
// strictly shorter distance-from-started wins, and equal distances are
// broken by vertex name (the smaller name wins). A candidate survives
// only if every such m loses.
func (t *Topology) ChooseNexts(started, current string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.verts[current] {
		return nil
	}
	neighbors := t.sortedNeighbors(current)

	if started == current {
		return neighbors
	}
	if !t.verts[started] {
		return nil
	}

	distFromStarted := t.bfsDistances(started)
	h, ok := distFromStarted[current]
	if !ok {
		return nil
	}

	var kept []string
	for _, n := range neighbors {
		if n == started {
			continue
		}
		if t.survivesCandidate(n, current, started, h, distFromStarted) {
			kept = append(kept, n)
		}
	}
	return kept
}

// survivesCandidate applies the per-in-neighbour elimination rule for
// one candidate next hop n. Caller must hold t.mu.RLock.
func (t *Topology) survivesCandidate(n, current, started string, h int, distFromStarted map[string]int) bool {
	for m := range t.inNeighbors(n) {
		if m == current {
			continue
		}
		if m == started {
			return false
		}
		q, reachable := distFromStarted[m]
		if !reachable {
			continue // m loses: it can't even be reached from started
		}
		switch {
		case q > h:
			// m loses
		case q < h:
			return false // m wins: strictly closer to started, reject n
		default:
			if m > current {
				// m loses: tie broken in current's favor
			} else {
				return false // m < current: m wins, reject n
			}
		}
	}
	return true
}
