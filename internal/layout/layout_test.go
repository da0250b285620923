package layout

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/contract-studio/internal/contract"
)

func documentWith(vars, methods, events int) *contract.Document {
	doc := &contract.Document{ID: "v1", Metadata: contract.Metadata{Name: "TokenX", Symbol: "TKX"}}
	for i := 0; i < vars; i++ {
		doc.Variables = append(doc.Variables, contract.Variable{ID: fmt.Sprintf("%d", i), Name: fmt.Sprintf("var%d", i), Type: "int"})
	}
	for i := 0; i < methods; i++ {
		doc.Methods = append(doc.Methods, contract.Method{ID: fmt.Sprintf("%d", i), Name: fmt.Sprintf("method%d", i), Visibility: contract.VisibilityPublic})
	}
	for i := 0; i < events; i++ {
		doc.Events = append(doc.Events, contract.Event{ID: fmt.Sprintf("%d", i), Name: fmt.Sprintf("Event%d", i)})
	}
	return doc
}

func TestBuild_NilDocument(t *testing.T) {
	assert.Nil(t, Build(nil))
}

func TestBuild_EmptyDocumentRendersRootOnly(t *testing.T) {
	g := Build(documentWith(0, 0, 0))
	require.NotNil(t, g)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, RootID, g.Nodes[0].ID)
	assert.Equal(t, "TokenX", g.Nodes[0].Title)
	assert.Empty(t, g.Edges)
}

func TestBuild_StarTopology(t *testing.T) {
	shapes := [][3]int{{1, 0, 0}, {4, 2, 7}, {0, 5, 1}, {9, 9, 9}}

	for _, shape := range shapes {
		t.Run(fmt.Sprintf("%d_%d_%d", shape[0], shape[1], shape[2]), func(t *testing.T) {
			g := Build(documentWith(shape[0], shape[1], shape[2]))
			total := shape[0] + shape[1] + shape[2]

			roots := 0
			for _, n := range g.Nodes {
				if n.Category == CategoryContract {
					roots++
				}
			}
			assert.Equal(t, 1, roots)
			assert.Len(t, g.Nodes, total+1)
			assert.Len(t, g.Edges, total)

			edgesPerNode := map[string]int{}
			for _, e := range g.Edges {
				assert.Equal(t, RootID, e.Source)
				edgesPerNode[e.Target]++
			}
			for _, n := range g.Nodes {
				if n.ID == RootID {
					continue
				}
				assert.Equal(t, 1, edgesPerNode[n.ID], "node %s", n.ID)
			}
		})
	}
}

func TestBuild_GridPlacement(t *testing.T) {
	g := Build(documentWith(5, 2, 0))

	vars := nodesOf(g, CategoryVariable)
	require.Len(t, vars, 5)

	for i, n := range vars {
		assert.Equal(t, BaseX+float64(i%Columns)*ColumnWidth, n.Position.X, "column of item %d", i)
	}
	assert.Equal(t, vars[0].Position.Y, vars[1].Position.Y)
	assert.Equal(t, vars[0].Position.Y, vars[2].Position.Y)
	assert.Equal(t, vars[0].Position.Y+RowHeight, vars[3].Position.Y)
	assert.Equal(t, FirstSection, vars[0].Position.Y)

	// two rows of variables, then the gap
	methods := nodesOf(g, CategoryMethod)
	require.Len(t, methods, 2)
	assert.Equal(t, FirstSection+2*RowHeight+SectionGap, methods[0].Position.Y)

	root, ok := g.Node(RootID)
	require.True(t, ok)
	assert.Equal(t, BaseX+ColumnWidth, root.Position.X, "root centered over three columns")
	assert.Less(t, root.Position.Y, vars[0].Position.Y)
}

func TestBuild_EmptySectionIsSkipped(t *testing.T) {
	g := Build(documentWith(0, 0, 2))
	events := nodesOf(g, CategoryEvent)
	require.Len(t, events, 2)
	assert.Equal(t, FirstSection, events[0].Position.Y)
}

func TestBuild_NodeIDsDoNotCollideAcrossCategories(t *testing.T) {
	g := Build(documentWith(1, 1, 1))
	seen := map[string]bool{}
	for _, n := range g.Nodes {
		assert.False(t, seen[n.ID], "duplicate node id %s", n.ID)
		seen[n.ID] = true
	}
	assert.True(t, seen["variable-0"])
	assert.True(t, seen["method-0"])
	assert.True(t, seen["event-0"])
}

func TestBuild_LabelsAndStyles(t *testing.T) {
	doc := &contract.Document{
		ID:       "v1",
		Metadata: contract.Metadata{Name: "TokenX"},
		Variables: []contract.Variable{
			{ID: "a", Name: "owner", Type: "Hash160", InitialValue: contract.StringValue("0xABC123")},
			{ID: "b", Name: "paused", Type: "bool"},
		},
		Methods: []contract.Method{
			{ID: "a", Name: "transfer", Visibility: contract.VisibilityPublic, Params: []contract.Param{{Name: "to", Type: "Hash160"}, {Name: "amount", Type: "int"}}, Returns: "bool"},
			{ID: "b", Name: "_check", Visibility: contract.VisibilityPrivate},
			{ID: "c", Name: "pause", Visibility: contract.VisibilityAdmin},
		},
		Events: []contract.Event{
			{ID: "a", Name: "Transfer", Params: []contract.Param{{Name: "from", Type: "Hash160"}}},
		},
	}

	g := Build(doc)

	tests := []struct {
		nodeID           string
		expectedSubtitle string
		expectedStyle    string
		expectedEditable bool
	}{
		{"variable-a", "Hash160 = 0xABC123", StyleVariable, true},
		{"variable-b", "bool", StyleVariable, true},
		{"method-a", "public (to: Hash160, amount: int) -> bool", StyleMethodPublic, false},
		{"method-b", "private ()", StyleMethodPrivate, false},
		{"method-c", "admin ()", StyleMethodAdmin, false},
		{"event-a", "(from: Hash160)", StyleEvent, false},
	}

	for _, tt := range tests {
		t.Run(tt.nodeID, func(t *testing.T) {
			n, ok := g.Node(tt.nodeID)
			require.True(t, ok)
			assert.Equal(t, tt.expectedSubtitle, n.Subtitle)
			assert.Equal(t, tt.expectedStyle, n.Style)
			assert.Equal(t, tt.expectedEditable, n.Editable)
		})
	}
}

func TestBuild_ClearedValueHasNoEqualsSuffix(t *testing.T) {
	doc := documentWith(1, 0, 0)
	doc.Variables[0].InitialValue = contract.NumberValue("10")
	n, _ := Build(doc).Node("variable-0")
	assert.Equal(t, "int = 10", n.Subtitle)

	cleared := contract.ParseValue("")
	patched, err := doc.WithVariable("0", contract.VariablePatch{InitialValue: &cleared})
	require.NoError(t, err)
	n, _ = Build(patched).Node("variable-0")
	assert.Equal(t, "int", n.Subtitle)
	assert.NotContains(t, n.Subtitle, "=")
}

func TestGraph_Select(t *testing.T) {
	g := Build(documentWith(2, 1, 0))

	selected := g.Select("variable-1")
	for _, e := range selected.Edges {
		assert.Equal(t, e.Target == "variable-1", e.Highlighted, "edge %s", e.ID)
	}
	for _, e := range g.Edges {
		assert.False(t, e.Highlighted, "the source graph is not modified")
	}

	all := g.Select(RootID)
	for _, e := range all.Edges {
		assert.True(t, e.Highlighted)
	}

	cleared := selected.Select("")
	for _, e := range cleared.Edges {
		assert.False(t, e.Highlighted)
	}
	assert.Empty(t, cleared.Selected)
}

func TestBuild_Deterministic(t *testing.T) {
	doc := documentWith(4, 4, 4)
	assert.Equal(t, Build(doc), Build(doc))
}

func nodesOf(g *Graph, c Category) []Node {
	var out []Node
	for _, n := range g.Nodes {
		if n.Category == c {
			out = append(out, n)
		}
	}
	return out
}
