package planner

import "fmt"

// NodeId is an arena handle into a Plan's node slice. The sentinel value
// NoNode (-1) means "no child."
type NodeId int

// NoNode is the sentinel NodeId meaning "absent."
const NoNode NodeId = -1

// NodeKind tags the shape of a relational plan node.
type NodeKind string

const (
	NodeScan       NodeKind = "scan"
	NodeProjection NodeKind = "projection"
	NodeHaving     NodeKind = "having"
	NodeGroupBy    NodeKind = "group_by"
	NodeMotion     NodeKind = "motion"
)

// MotionPolicy is the redistribution strategy of a Motion node.
type MotionPolicy string

const (
	MotionFull    MotionPolicy = "full"
	MotionSegment MotionPolicy = "segment"
)

// Node is one relational operator. Which fields are meaningful depends on
// Kind; this mirrors the teacher's own integer-handle-addressed structures
// (e.g. Raft log entries addressed by index) rather than an interface
// hierarchy, keeping the rewrite's node creation and mutation uniform.
type Node struct {
	ID    NodeId
	Kind  NodeKind
	Child NodeId

	Table string // NodeScan

	Output   []*Expr // NodeProjection
	Distinct bool    // NodeProjection

	Filter *Expr // NodeHaving

	GroupBy []*Expr // NodeGroupBy
	IsFinal bool    // NodeGroupBy

	MotionPolicy    MotionPolicy // NodeMotion
	MotionPositions []int        // NodeMotion, only for MotionSegment
}

// Plan is an arena of Nodes plus the id of the top-level node.
type Plan struct {
	nodes []*Node
	Root  NodeId
}

// NewPlan creates an empty plan.
func NewPlan() *Plan {
	return &Plan{}
}

// add appends n to the arena, assigning it a fresh NodeId.
func (p *Plan) add(n *Node) NodeId {
	n.ID = NodeId(len(p.nodes))
	p.nodes = append(p.nodes, n)
	return n.ID
}

// Node returns the node at id, or nil if id is NoNode.
func (p *Plan) Node(id NodeId) *Node {
	if id == NoNode || int(id) >= len(p.nodes) {
		return nil
	}
	return p.nodes[id]
}

// AddScan adds a table scan with no child.
func (p *Plan) AddScan(table string) NodeId {
	return p.add(&Node{Kind: NodeScan, Child: NoNode, Table: table})
}

// AddProjection adds a projection over child.
func (p *Plan) AddProjection(child NodeId, output []*Expr, distinct bool) NodeId {
	return p.add(&Node{Kind: NodeProjection, Child: child, Output: output, Distinct: distinct})
}

// AddHaving adds a having filter over child.
func (p *Plan) AddHaving(child NodeId, filter *Expr) NodeId {
	return p.add(&Node{Kind: NodeHaving, Child: child, Filter: filter})
}

// AddGroupBy adds a group-by over child.
func (p *Plan) AddGroupBy(child NodeId, columns []*Expr) NodeId {
	return p.add(&Node{Kind: NodeGroupBy, Child: child, GroupBy: columns})
}

// AddMotion adds a motion node over child.
func (p *Plan) AddMotion(child NodeId, policy MotionPolicy, positions []int) NodeId {
	return p.add(&Node{Kind: NodeMotion, Child: child, MotionPolicy: policy, MotionPositions: positions})
}

// baseTable walks down from id to find the scan's table name, used by the
// bucket-id shortcut.
func (p *Plan) baseTable(id NodeId) (string, bool) {
	for n := p.Node(id); n != nil; n = p.Node(n.Child) {
		if n.Kind == NodeScan {
			return n.Table, true
		}
	}
	return "", false
}

// Describe renders a plan as a one-line top-down operator chain, for tests
// and logs.
func (p *Plan) Describe(id NodeId) string {
	n := p.Node(id)
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case NodeScan:
		return fmt.Sprintf("Scan(%s)", n.Table)
	case NodeProjection:
		return fmt.Sprintf("Projection%v -> %s", describeExprs(n.Output), p.Describe(n.Child))
	case NodeHaving:
		return fmt.Sprintf("Having(%s) -> %s", describeExpr(n.Filter), p.Describe(n.Child))
	case NodeGroupBy:
		return fmt.Sprintf("GroupBy%v -> %s", describeExprs(n.GroupBy), p.Describe(n.Child))
	case NodeMotion:
		return fmt.Sprintf("Motion(%s) -> %s", n.MotionPolicy, p.Describe(n.Child))
	default:
		return "?"
	}
}

func describeExpr(e *Expr) string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ExprReference:
		return e.Column
	case ExprLiteral:
		return fmt.Sprintf("%v", e.Value)
	case ExprBinaryOp:
		return fmt.Sprintf("(%s %s %s)", describeExpr(e.Left), e.Op, describeExpr(e.Right))
	case ExprAggregate:
		d := ""
		if e.Distinct {
			d = "distinct "
		}
		return fmt.Sprintf("%s(%s%s)", e.AggKind, d, describeExpr(e.Arg))
	case ExprAlias:
		return fmt.Sprintf("%s AS %s", describeExpr(e.Inner), e.Name)
	default:
		return "?"
	}
}

func describeExprs(exprs []*Expr) []string {
	out := make([]string, len(exprs))
	for i, e := range exprs {
		out[i] = describeExpr(e)
	}
	return out
}
