package thread

import (
	"math"
	"sort"
)

// DefaultTimestampTolerance is how far, in seconds, a comment's media
// timestamp may sit from the playhead and still count as "at" it.
const DefaultTimestampTolerance = 2.0

// Find returns the node with the given id anywhere in the forest.
func Find(forest []*Node, id string) *Node {
	for _, n := range forest {
		if n.ID == id {
			return n
		}
		if found := Find(n.Replies, id); found != nil {
			return found
		}
	}
	return nil
}

// Walk visits every node depth-first, parents before replies.
func Walk(forest []*Node, fn func(n *Node, depth int)) {
	walk(forest, 0, fn)
}

func walk(forest []*Node, depth int, fn func(*Node, int)) {
	for _, n := range forest {
		fn(n, depth)
		walk(n.Replies, depth+1, fn)
	}
}

// Count returns the number of nodes in the forest.
func Count(forest []*Node) int {
	total := 0
	Walk(forest, func(*Node, int) { total++ })
	return total
}

// SortByCreated returns a copy of comments ordered by creation time, oldest
// first, with the id as tie-break.
func SortByCreated(comments []Comment) []Comment {
	sorted := make([]Comment, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return createdBefore(sorted[i], sorted[j])
	})
	return sorted
}

func createdBefore(a, b Comment) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AtTimestamp returns the comments anchored within tolerance seconds of the
// media offset t. A non-positive tolerance uses DefaultTimestampTolerance.
func AtTimestamp(comments []Comment, t, tolerance float64) []Comment {
	if tolerance <= 0 {
		tolerance = DefaultTimestampTolerance
	}
	matched := make([]Comment, 0)
	for _, c := range comments {
		if c.MediaTimestamp == nil {
			continue
		}
		if math.Abs(*c.MediaTimestamp-t) <= tolerance {
			matched = append(matched, c)
		}
	}
	return matched
}

// TimeOrdered returns the comments that carry a media timestamp, ordered by
// that timestamp.
func TimeOrdered(comments []Comment) []Comment {
	anchored := make([]Comment, 0)
	for _, c := range comments {
		if c.MediaTimestamp != nil {
			anchored = append(anchored, c)
		}
	}
	sort.SliceStable(anchored, func(i, j int) bool {
		return *anchored[i].MediaTimestamp < *anchored[j].MediaTimestamp
	})
	return anchored
}
