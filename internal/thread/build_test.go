package thread

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func comment(id, parent, body string) Comment {
	c := Comment{ID: id, SubjectID: "asset-1", Body: body}
	if parent != "" {
		c.ParentID = strPtr(parent)
	}
	return c
}

func ids(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestBuildEndToEnd(t *testing.T) {
	input := []Comment{
		comment("1", "", "root"),
		comment("2", "1", "reply1"),
		comment("3", "2", "reply-to-reply"),
		comment("4", "99", "orphan"),
	}

	forest := Build(input)

	if got := ids(forest); !equalIDs(got, []string{"1", "4"}) {
		t.Fatalf("roots = %v, want [1 4]", got)
	}
	root := forest[0]
	if got := ids(root.Replies); !equalIDs(got, []string{"2"}) {
		t.Fatalf("replies of 1 = %v, want [2]", got)
	}
	if got := ids(root.Replies[0].Replies); !equalIDs(got, []string{"3"}) {
		t.Fatalf("replies of 2 = %v, want [3]", got)
	}
	if len(root.Replies[0].Replies[0].Replies) != 0 {
		t.Fatal("expected 3 to have no replies")
	}
	if len(forest[1].Replies) != 0 {
		t.Fatal("expected orphan to have no replies")
	}
	if forest[1].Body != "orphan" {
		t.Errorf("orphan body = %q", forest[1].Body)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	input := []Comment{
		comment("a", "", "one"),
		comment("b", "a", "two"),
		comment("c", "missing", "three"),
		comment("d", "a", "four"),
		comment("e", "d", "five"),
	}

	first, err := json.Marshal(Build(input))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := json.Marshal(Build(input))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("builds differ:\n%s\n%s", first, second)
	}
}

func TestBuildUnresolvedParentBecomesRoot(t *testing.T) {
	cases := []struct {
		name  string
		input []Comment
	}{
		{name: "absent parent", input: []Comment{comment("x", "ghost", "orphan")}},
		{name: "empty parent", input: []Comment{{ID: "x", SubjectID: "asset-1", ParentID: strPtr("")}}},
		{
			name: "parent in other subject",
			input: []Comment{
				{ID: "p", SubjectID: "asset-2"},
				{ID: "x", SubjectID: "asset-1", ParentID: strPtr("p")},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			forest := Build(tc.input)
			if Find(forest, "x") == nil {
				t.Fatal("comment x was dropped")
			}
			found := false
			for _, n := range forest {
				if n.ID == "x" {
					found = true
				}
			}
			if !found {
				t.Fatalf("x is not a root: roots %v", ids(forest))
			}
		})
	}
}

func TestBuildKeepsInputOrder(t *testing.T) {
	input := []Comment{
		comment("r2", "", ""),
		comment("c2", "r1", ""),
		comment("r1", "", ""),
		comment("c1", "r1", ""),
	}
	forest := Build(input)
	if got := ids(forest); !equalIDs(got, []string{"r2", "r1"}) {
		t.Fatalf("roots = %v, want [r2 r1]", got)
	}
	if got := ids(forest[1].Replies); !equalIDs(got, []string{"c2", "c1"}) {
		t.Fatalf("replies = %v, want [c2 c1]", got)
	}
}

func TestBuildTerminatesOnCycles(t *testing.T) {
	cases := []struct {
		name      string
		input     []Comment
		wantRoots []string
	}{
		{
			name: "three cycle",
			input: []Comment{
				comment("A", "C", ""),
				comment("B", "A", ""),
				comment("C", "B", ""),
			},
			wantRoots: []string{"A"},
		},
		{
			name:      "self parent",
			input:     []Comment{comment("A", "A", "")},
			wantRoots: []string{"A"},
		},
		{
			name: "tail into cycle",
			input: []Comment{
				comment("T", "B", ""),
				comment("A", "B", ""),
				comment("B", "A", ""),
			},
			wantRoots: []string{"A"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			done := make(chan []*Node, 1)
			go func() { done <- Build(tc.input) }()

			select {
			case forest := <-done:
				if got := ids(forest); !equalIDs(got, tc.wantRoots) {
					t.Fatalf("roots = %v, want %v", got, tc.wantRoots)
				}
				if got := Count(forest); got != len(tc.input) {
					t.Fatalf("forest holds %d comments, want %d", got, len(tc.input))
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Build did not terminate")
			}
		})
	}
}

func TestBuildMalformedRecords(t *testing.T) {
	input := []Comment{
		comment("1", "", "first"),
		comment("1", "", "duplicate"),
		{SubjectID: "asset-1", Body: "no id", ParentID: strPtr("1")},
	}
	forest := Build(input)
	if len(forest) != 2 {
		t.Fatalf("got %d roots, want 2", len(forest))
	}
	if forest[0].Body != "first" {
		t.Errorf("first occurrence should win, got %q", forest[0].Body)
	}
	if forest[1].ID != "" || forest[1].Body != "no id" {
		t.Errorf("expected id-less comment as root, got %+v", forest[1].Comment)
	}
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	input := []Comment{comment("1", "", "root"), comment("2", "1", "child")}
	forest := Build(input)
	forest[0].Body = "changed"
	if input[0].Body != "root" {
		t.Fatalf("input mutated: %q", input[0].Body)
	}
	if len(input) != 2 {
		t.Fatalf("input length changed to %d", len(input))
	}
}

func TestBuildEmpty(t *testing.T) {
	forest := Build(nil)
	if forest == nil || len(forest) != 0 {
		t.Fatalf("Build(nil) = %#v, want empty slice", forest)
	}
	raw, _ := json.Marshal(Build([]Comment{comment("1", "", "")}))
	if want := `"replies":[]`; !strings.Contains(string(raw), want) {
		t.Errorf("json %s missing %s", raw, want)
	}
}
