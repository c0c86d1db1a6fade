package planner

import (
	"fmt"

	"github.com/google/uuid"
)

// RoutingMetadata answers how a table is sharded, so Rewrite can skip the
// shuffle when the grouping key already matches the table's distribution
// key (the bucket-id shortcut).
type RoutingMetadata interface {
	// BucketIDColumn returns the column a table is bucketed by, if any.
	BucketIDColumn(table string) (string, bool)
}

// AliasAllocator names the columns Rewrite introduces for grouping keys and
// local partial aggregates.
type AliasAllocator interface {
	NextGroupAlias() string
	NextLocalAlias() string
}

// testAliasAllocator produces deterministic "g1, g2, ..." / "l1, l2, ..."
// names, used by tests so rewritten plans are exactly reproducible.
type testAliasAllocator struct {
	g, l int
}

// NewTestAliasAllocator returns an AliasAllocator suitable for tests and
// golden-plan comparisons.
func NewTestAliasAllocator() AliasAllocator {
	return &testAliasAllocator{}
}

func (a *testAliasAllocator) NextGroupAlias() string {
	a.g++
	return fmt.Sprintf("g%d", a.g)
}

func (a *testAliasAllocator) NextLocalAlias() string {
	a.l++
	return fmt.Sprintf("l%d", a.l)
}

// productionAliasAllocator names every introduced column "{uuid}_{n}",
// unique across the whole rewrite and collision-free with user columns.
type productionAliasAllocator struct {
	uuid string
	next int
}

// NewProductionAliasAllocator returns the AliasAllocator Rewrite uses by
// default outside tests.
func NewProductionAliasAllocator() AliasAllocator {
	return &productionAliasAllocator{uuid: uuid.NewString()}
}

func (a *productionAliasAllocator) alloc() string {
	id := a.next
	a.next++
	return fmt.Sprintf("%s_%d", a.uuid, id)
}

func (a *productionAliasAllocator) NextGroupAlias() string { return a.alloc() }
func (a *productionAliasAllocator) NextLocalAlias() string { return a.alloc() }

// rewriteState accumulates the map stage's output columns and grouping
// columns as Rewrite walks the final projection's expressions left to
// right, and caches per-signature decisions so a grouping expression or
// aggregate referenced twice (e.g. once in the projection, once in a
// having clause) is only computed once at the map stage.
type rewriteState struct {
	alloc AliasAllocator

	groupAlias  map[string]string // signature(grouping/distinct-arg expr) -> alias
	reduceCache map[string]*Expr  // signature(aggregate expr) -> reduce-stage replacement

	mapOutput       []*Expr // ordered, aliased columns the map projection emits
	mapGroupingCols []*Expr // ordered grouping columns (original exprs) for the map GroupBy
}

// Rewrite splits a single-stage aggregation plan into a two-stage map/reduce
// plan. If plan's final projection has neither an explicit GroupBy, nor
// DISTINCT, nor any aggregate call, or the grouping key already matches the
// scanned table's bucket-id column, plan is returned unchanged: there is
// nothing to split, or the rows never cross shard boundaries for this
// grouping so a shuffle would be wasted work.
//
// A DISTINCT projection with no explicit GROUP BY groups by its own
// un-aliased output expressions, so the dedup happens per grouping key
// rather than per shard. A Having clause with no GroupBy beneath it may
// only reference aggregate arguments, never a bare column.
//
// alloc may be nil, in which case a production allocator is used.
func Rewrite(plan *Plan, routing RoutingMetadata, alloc AliasAllocator) (*Plan, error) {
	if alloc == nil {
		alloc = NewProductionAliasAllocator()
	}

	root := plan.Node(plan.Root)
	if root == nil {
		return plan, nil
	}

	var having *Node
	projNode := root
	if root.Kind == NodeHaving {
		having = root
		projNode = plan.Node(root.Child)
	}
	if projNode == nil || projNode.Kind != NodeProjection {
		return plan, nil
	}

	var discovered []*Expr
	for _, e := range projNode.Output {
		if err := collectAggregates(e, &discovered); err != nil {
			return nil, err
		}
	}
	if having != nil {
		if err := collectAggregates(having.Filter, &discovered); err != nil {
			return nil, err
		}
	}
	hasAggregates := len(discovered) > 0

	groupBy := plan.Node(projNode.Child)
	if groupBy == nil || groupBy.Kind != NodeGroupBy {
		groupBy = nil
	}

	groupChild := projNode.Child
	var groupCols []*Expr
	switch {
	case groupBy != nil:
		groupCols = groupBy.GroupBy
		groupChild = groupBy.Child
	case projNode.Distinct && !hasAggregates:
		groupCols = distinctGroupingColumns(projNode.Output)
	case !hasAggregates:
		return plan, nil
	}
	// else: aggregates with no GROUP BY at all (e.g. `SELECT sum(b) FROM
	// t`) - groupCols stays empty, groupChild stays projNode.Child.

	groupSigs := make(map[string]bool, len(groupCols))
	for _, g := range groupCols {
		groupSigs[g.Signature()] = true
	}

	for _, e := range projNode.Output {
		if err := validateGrouping(e, groupSigs); err != nil {
			return nil, err
		}
	}
	if having != nil {
		if err := validateGrouping(having.Filter, groupSigs); err != nil {
			return nil, err
		}
	}

	if table, ok := plan.baseTable(groupChild); ok {
		if bucketCol, ok := routing.BucketIDColumn(table); ok && groupSigs["ref:"+bucketCol] {
			return plan, nil
		}
	}

	st := &rewriteState{
		alloc:       alloc,
		groupAlias:  make(map[string]string),
		reduceCache: make(map[string]*Expr),
	}

	reduceOutput := make([]*Expr, len(projNode.Output))
	for i, e := range projNode.Output {
		reduceOutput[i] = st.rewrite(e)
	}

	var reduceFilter *Expr
	if having != nil {
		reduceFilter = st.rewrite(having.Filter)
	}

	// Grouping columns never referenced in the output or having clause
	// (e.g. `SELECT count(*) ... GROUP BY a` selecting only the
	// aggregate) still participate in grouping and must be carried.
	for _, g := range groupCols {
		st.registerGroupExpr(g)
	}

	reduceGroupCols := make([]*Expr, len(groupCols))
	for i, g := range groupCols {
		reduceGroupCols[i] = Ref(st.groupAlias[g.Signature()])
	}

	positions := make([]int, len(reduceGroupCols))
	for i, col := range reduceGroupCols {
		positions[i] = indexOfAlias(st.mapOutput, col.Column)
	}

	table, _ := plan.baseTable(groupChild)

	out := NewPlan()
	mapScan := out.AddScan(table)
	mapProj := out.AddProjection(mapScan, st.mapOutput, false)
	mapGroup := out.AddGroupBy(mapProj, st.mapGroupingCols)

	var motion NodeId
	if len(reduceGroupCols) == 0 {
		motion = out.AddMotion(mapGroup, MotionFull, nil)
	} else {
		motion = out.AddMotion(mapGroup, MotionSegment, positions)
	}

	reduceGroup := out.AddGroupBy(motion, reduceGroupCols)
	out.Node(reduceGroup).IsFinal = true

	reduceProj := out.AddProjection(reduceGroup, reduceOutput, projNode.Distinct)

	result := reduceProj
	if having != nil {
		result = out.AddHaving(reduceProj, reduceFilter)
	}
	out.Root = result

	return out, nil
}

// registerGroupExpr assigns e an alias if it doesn't already have one,
// emitting it as a passthrough map-stage output column.
func (st *rewriteState) registerGroupExpr(e *Expr) string {
	sig := e.Signature()
	if alias, ok := st.groupAlias[sig]; ok {
		return alias
	}
	alias := st.alloc.NextGroupAlias()
	st.groupAlias[sig] = alias
	st.mapOutput = append(st.mapOutput, As(clone(e), alias))
	st.mapGroupingCols = append(st.mapGroupingCols, clone(e))
	return alias
}

// rewrite walks e, registering map-stage columns as grouping expressions
// and aggregates are discovered, and returns the equivalent reduce-stage
// expression (referencing the map-stage aliases instead of base columns).
func (st *rewriteState) rewrite(e *Expr) *Expr {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ExprLiteral:
		return clone(e)
	case ExprReference:
		sig := e.Signature()
		if alias, ok := st.groupAlias[sig]; ok {
			return Ref(alias)
		}
		return Ref(st.registerGroupExpr(e))
	case ExprBinaryOp:
		return BinOp(e.Op, st.rewrite(e.Left), st.rewrite(e.Right))
	case ExprAlias:
		return As(st.rewrite(e.Inner), e.Name)
	case ExprAggregate:
		return st.rewriteAggregate(e)
	default:
		return clone(e)
	}
}

func (st *rewriteState) rewriteAggregate(agg *Expr) *Expr {
	sig := agg.Signature()
	if cached, ok := st.reduceCache[sig]; ok {
		return clone(cached)
	}

	if agg.Distinct {
		alias := st.registerGroupExpr(agg.Arg)
		reduceExpr := Agg(agg.AggKind, Ref(alias), true)
		st.reduceCache[sig] = reduceExpr
		return clone(reduceExpr)
	}

	var reduceExpr *Expr
	switch agg.AggKind {
	case AggAvg:
		sumAlias := st.alloc.NextLocalAlias()
		countAlias := st.alloc.NextLocalAlias()
		st.mapOutput = append(st.mapOutput, As(Agg(AggSum, clone(agg.Arg), false), sumAlias))
		st.mapOutput = append(st.mapOutput, As(Agg(AggCount, clone(agg.Arg), false), countAlias))
		reduceExpr = BinOp("/", Agg(AggSum, Ref(sumAlias), false), Agg(AggSum, Ref(countAlias), false))
	case AggCount:
		localAlias := st.alloc.NextLocalAlias()
		st.mapOutput = append(st.mapOutput, As(Agg(AggCount, clone(agg.Arg), false), localAlias))
		reduceExpr = Agg(AggSum, Ref(localAlias), false)
	default: // sum, min, max, group_concat: merge function matches the local kind
		localAlias := st.alloc.NextLocalAlias()
		st.mapOutput = append(st.mapOutput, As(Agg(agg.AggKind, clone(agg.Arg), false), localAlias))
		reduceExpr = Agg(agg.AggKind, Ref(localAlias), false)
	}

	st.reduceCache[sig] = reduceExpr
	return clone(reduceExpr)
}

// distinctGroupingColumns builds the implicit GroupBy columns for a
// DISTINCT projection that has no explicit GROUP BY: one column per output
// expression, unwrapped from its alias, since grouping is keyed on the
// underlying value rather than the projected name.
func distinctGroupingColumns(output []*Expr) []*Expr {
	cols := make([]*Expr, len(output))
	for i, e := range output {
		if e.Kind == ExprAlias {
			cols[i] = clone(e.Inner)
		} else {
			cols[i] = clone(e)
		}
	}
	return cols
}

// validateGrouping rejects a bare column reference that is neither an
// aggregate argument nor one of the declared group-by expressions.
func validateGrouping(e *Expr, groupSigs map[string]bool) error {
	var refs []*Expr
	bareReferences(e, &refs)
	for _, r := range refs {
		if !groupSigs[r.Signature()] {
			return fmt.Errorf("%w: %s", ErrColumnNotInGroupBy, r.Column)
		}
	}
	return nil
}

func indexOfAlias(output []*Expr, alias string) int {
	for i, e := range output {
		if e.Kind == ExprAlias && e.Name == alias {
			return i
		}
	}
	return -1
}
