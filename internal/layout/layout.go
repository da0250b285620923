// Package layout projects a contract document onto a positioned node/edge graph
// for the diagram view. Build is a pure function of the document.
package layout

import (
	"fmt"
	"strings"

	"github.com/bizmatters/contract-studio/internal/contract"
)

// Grid geometry of the reference diagram
const (
	Columns      = 3
	ColumnWidth  = 260.0
	RowHeight    = 120.0
	SectionGap   = 80.0
	BaseX        = 0.0
	RootY        = 0.0
	FirstSection = RootY + RowHeight + SectionGap
)

// RootID is the node id of the contract metadata node
const RootID = "contract-root"

// Category of a node
type Category string

const (
	CategoryContract Category = "contract"
	CategoryVariable Category = "variable"
	CategoryMethod   Category = "method"
	CategoryEvent    Category = "event"
)

// Style classes the diagram view keys its visuals on
const (
	StyleContract      = "contract"
	StyleVariable      = "variable"
	StyleEvent         = "event"
	StyleMethodPublic  = "method-public"
	StyleMethodPrivate = "method-private"
	StyleMethodAdmin   = "method-admin"
)

// Position is the top-left corner of a node
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one box of the diagram
type Node struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	ItemID   string   `json:"itemId,omitempty"`
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Style    string   `json:"style"`
	Position Position `json:"position"`
	Editable bool     `json:"editable"`
}

// Edge connects the root to an item node
type Edge struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	Highlighted bool   `json:"highlighted"`
}

// Graph is the laid out diagram of one document
type Graph struct {
	DocumentID string `json:"documentId"`
	Nodes      []Node `json:"nodes"`
	Edges      []Edge `json:"edges"`
	Selected   string `json:"selected,omitempty"`
}

type item struct {
	category Category
	id       string
	title    string
	subtitle string
	style    string
}

// Build lays out doc. A nil document has no graph at all, which the view shows
// as an empty state; a document without items still gets its root node.
func Build(doc *contract.Document) *Graph {
	if doc == nil {
		return nil
	}

	g := &Graph{
		DocumentID: doc.ID,
		Nodes: []Node{{
			ID:       RootID,
			Category: CategoryContract,
			Title:    doc.Metadata.DisplayName(),
			Subtitle: rootSubtitle(doc.Metadata),
			Style:    StyleContract,
			Position: Position{X: BaseX + float64(Columns-1)*ColumnWidth/2, Y: RootY},
		}},
		Edges: []Edge{},
	}

	sections := [][]item{
		variableItems(doc.Variables),
		methodItems(doc.Methods),
		eventItems(doc.Events),
	}

	y := FirstSection
	for _, section := range sections {
		if len(section) == 0 {
			continue
		}
		for i, it := range section {
			col, row := i%Columns, i/Columns
			nodeID := fmt.Sprintf("%s-%s", it.category, it.id)
			g.Nodes = append(g.Nodes, Node{
				ID:       nodeID,
				Category: it.category,
				ItemID:   it.id,
				Title:    it.title,
				Subtitle: it.subtitle,
				Style:    it.style,
				Position: Position{
					X: BaseX + float64(col)*ColumnWidth,
					Y: y + float64(row)*RowHeight,
				},
				Editable: it.category == CategoryVariable,
			})
			g.Edges = append(g.Edges, Edge{
				ID:     "edge-" + nodeID,
				Source: RootID,
				Target: nodeID,
			})
		}
		rows := (len(section) + Columns - 1) / Columns
		y += float64(rows)*RowHeight + SectionGap
	}

	return g
}

// Select returns a copy of the graph with the edges touching nodeID highlighted.
// An empty nodeID clears the selection.
func (g *Graph) Select(nodeID string) *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{
		DocumentID: g.DocumentID,
		Nodes:      append([]Node(nil), g.Nodes...),
		Edges:      make([]Edge, len(g.Edges)),
		Selected:   nodeID,
	}
	for i, e := range g.Edges {
		e.Highlighted = nodeID != "" && (e.Source == nodeID || e.Target == nodeID)
		out.Edges[i] = e
	}
	return out
}

// Node returns the node with the given id
func (g *Graph) Node(id string) (Node, bool) {
	if g == nil {
		return Node{}, false
	}
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

func rootSubtitle(m contract.Metadata) string {
	if m.Symbol != "" {
		return m.Symbol
	}
	return m.Description
}

func variableItems(vars []contract.Variable) []item {
	out := make([]item, 0, len(vars))
	for _, v := range vars {
		out = append(out, item{
			category: CategoryVariable,
			id:       v.ID,
			title:    v.Name,
			subtitle: VariableSubtitle(v),
			style:    StyleVariable,
		})
	}
	return out
}

func methodItems(methods []contract.Method) []item {
	out := make([]item, 0, len(methods))
	for _, m := range methods {
		out = append(out, item{
			category: CategoryMethod,
			id:       m.ID,
			title:    m.Name,
			subtitle: MethodSubtitle(m),
			style:    MethodStyle(m.Visibility),
		})
	}
	return out
}

func eventItems(events []contract.Event) []item {
	out := make([]item, 0, len(events))
	for _, e := range events {
		out = append(out, item{
			category: CategoryEvent,
			id:       e.ID,
			title:    e.Name,
			subtitle: Signature(e.Params),
			style:    StyleEvent,
		})
	}
	return out
}

// MethodStyle maps a visibility to its style class
func MethodStyle(v contract.Visibility) string {
	switch v.Normalized() {
	case contract.VisibilityPrivate:
		return StyleMethodPrivate
	case contract.VisibilityAdmin:
		return StyleMethodAdmin
	default:
		return StyleMethodPublic
	}
}

// VariableSubtitle renders "type = value", or just the type when the value is absent
func VariableSubtitle(v contract.Variable) string {
	if v.InitialValue.IsZero() {
		return v.Type
	}
	return v.Type + " = " + v.InitialValue.Display()
}

// MethodSubtitle renders "visibility (a: T, b: U) -> R"
func MethodSubtitle(m contract.Method) string {
	s := string(m.Visibility.Normalized()) + " " + Signature(m.Params)
	if m.Returns != "" {
		s += " -> " + m.Returns
	}
	return s
}

// Signature renders a parameter list as "(a: T, b: U)"
func Signature(params []contract.Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.Name + ": " + p.Type
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
