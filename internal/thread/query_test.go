package thread

import (
	"testing"
	"time"
)

func floatPtr(v float64) *float64 { return &v }

func TestFindAndWalk(t *testing.T) {
	forest := Build([]Comment{
		comment("1", "", "root"),
		comment("2", "1", "reply"),
		comment("3", "2", "nested"),
		comment("4", "", "second root"),
	})

	if n := Find(forest, "3"); n == nil || n.Body != "nested" {
		t.Fatalf("find nested = %+v", n)
	}
	if n := Find(forest, "missing"); n != nil {
		t.Fatalf("find missing = %+v", n)
	}

	var visited []string
	depths := map[string]int{}
	Walk(forest, func(n *Node, depth int) {
		visited = append(visited, n.ID)
		depths[n.ID] = depth
	})
	if !equalIDs(visited, []string{"1", "2", "3", "4"}) {
		t.Fatalf("walk order = %v", visited)
	}
	if depths["3"] != 2 || depths["4"] != 0 {
		t.Fatalf("depths = %v", depths)
	}
	if got := Count(forest); got != 4 {
		t.Fatalf("count = %d, want 4", got)
	}
}

func TestSortByCreated(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	in := []Comment{
		{ID: "c", CreatedAt: base.Add(time.Minute)},
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
	}

	out := SortByCreated(in)
	got := []string{out[0].ID, out[1].ID, out[2].ID}
	if !equalIDs(got, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", got)
	}
	if in[0].ID != "c" {
		t.Fatal("input was reordered")
	}
}

func TestAtTimestamp(t *testing.T) {
	comments := []Comment{
		{ID: "none"},
		{ID: "early", MediaTimestamp: floatPtr(1)},
		{ID: "edge", MediaTimestamp: floatPtr(12)},
		{ID: "exact", MediaTimestamp: floatPtr(10)},
		{ID: "late", MediaTimestamp: floatPtr(12.5)},
	}

	cases := []struct {
		name      string
		t         float64
		tolerance float64
		want      []string
	}{
		{name: "default tolerance", t: 10, tolerance: 0, want: []string{"edge", "exact"}},
		{name: "wider tolerance", t: 10, tolerance: 3, want: []string{"edge", "exact", "late"}},
		{name: "nothing near", t: 40, tolerance: 2, want: []string{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := AtTimestamp(comments, tc.t, tc.tolerance)
			got := make([]string, 0, len(out))
			for _, c := range out {
				got = append(got, c.ID)
			}
			if !equalIDs(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTimeOrdered(t *testing.T) {
	out := TimeOrdered([]Comment{
		{ID: "b", MediaTimestamp: floatPtr(30)},
		{ID: "skip"},
		{ID: "a", MediaTimestamp: floatPtr(4.5)},
		{ID: "c", MediaTimestamp: floatPtr(30)},
	})
	got := make([]string, 0, len(out))
	for _, c := range out {
		got = append(got, c.ID)
	}
	if !equalIDs(got, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", got)
	}
}
