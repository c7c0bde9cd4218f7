package thread

// Node is a comment together with its direct replies.
type Node struct {
	Comment
	Replies []*Node `json:"replies"`
}

// Build groups a flat list of comments into reply trees. Roots and replies
// keep the order they have in comments; sort the input first for
// chronological threads.
//
// A comment whose parent is missing, empty, or attached to another subject
// becomes a root. A comment without an id is kept as a root that cannot have
// replies, and later duplicates of an id are skipped. Parent cycles are
// broken at the member that appears first in the input, which becomes a root.
func Build(comments []Comment) []*Node {
	nodes := make(map[string]*Node, len(comments))
	order := make([]*Node, 0, len(comments))
	for _, c := range comments {
		n := &Node{Comment: c, Replies: []*Node{}}
		if c.ID != "" {
			if _, dup := nodes[c.ID]; dup {
				continue
			}
			nodes[c.ID] = n
		}
		order = append(order, n)
	}

	cut := breakCycles(order, nodes)

	roots := make([]*Node, 0)
	for _, n := range order {
		parent := parentOf(n, nodes)
		if parent == nil || cut[n] {
			roots = append(roots, n)
			continue
		}
		parent.Replies = append(parent.Replies, n)
	}
	return roots
}

func parentOf(n *Node, nodes map[string]*Node) *Node {
	if n.ID == "" || n.IsRoot() {
		return nil
	}
	parent, ok := nodes[*n.ParentID]
	if !ok || parent.SubjectID != n.SubjectID {
		return nil
	}
	return parent
}

// breakCycles walks each parent chain once and returns the nodes that must
// be detached from their parent so every chain ends at a root.
func breakCycles(order []*Node, nodes map[string]*Node) map[*Node]bool {
	const (
		unvisited = iota
		onPath
		settled
	)
	rank := make(map[*Node]int, len(order))
	for i, n := range order {
		rank[n] = i
	}
	state := make(map[*Node]int, len(order))
	cut := make(map[*Node]bool)

	for _, start := range order {
		if state[start] != unvisited {
			continue
		}
		var path []*Node
		n := start
		for n != nil && state[n] == unvisited {
			state[n] = onPath
			path = append(path, n)
			n = parentOf(n, nodes)
		}
		if n != nil && state[n] == onPath {
			first := n
			inCycle := false
			for _, p := range path {
				if p == n {
					inCycle = true
				}
				if inCycle && rank[p] < rank[first] {
					first = p
				}
			}
			cut[first] = true
		}
		for _, p := range path {
			state[p] = settled
		}
	}
	return cut
}
