package planner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fixedRouting map[string]string

func (r fixedRouting) BucketIDColumn(table string) (string, bool) {
	col, ok := r[table]
	return col, ok
}

func buildS5Plan() *Plan {
	p := NewPlan()
	scan := p.AddScan("t")
	groupBy := p.AddGroupBy(scan, []*Expr{Ref("a")})
	proj := p.AddProjection(groupBy, []*Expr{
		Ref("a"),
		Agg(AggSum, Ref("b"), false),
		Agg(AggCount, Ref("c"), true),
	}, false)
	having := p.AddHaving(proj, BinOp(">", Agg(AggSum, Ref("b"), false), Lit(10)))
	p.Root = having
	return p
}

func TestRewriteSplitsAggregationIntoMapReduce(t *testing.T) {
	p := buildS5Plan()

	out, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.NoError(t, err)

	root := out.Node(out.Root)
	require.Equal(t, NodeHaving, root.Kind)
	require.Equal(t, "op:>(agg:sum(ref:l1),lit:10)", root.Filter.Signature())

	reduceProj := out.Node(root.Child)
	require.Equal(t, NodeProjection, reduceProj.Kind)
	require.Equal(t, "ref:g1", reduceProj.Output[0].Signature())
	require.Equal(t, "agg:sum(ref:l1)", reduceProj.Output[1].Signature())
	require.Equal(t, "agg:count(distinct:ref:g2)", reduceProj.Output[2].Signature())

	reduceGroup := out.Node(reduceProj.Child)
	require.Equal(t, NodeGroupBy, reduceGroup.Kind)
	require.True(t, reduceGroup.IsFinal)
	require.Len(t, reduceGroup.GroupBy, 1)
	require.Equal(t, "ref:g1", reduceGroup.GroupBy[0].Signature())

	motion := out.Node(reduceGroup.Child)
	require.Equal(t, NodeMotion, motion.Kind)
	require.Equal(t, MotionSegment, motion.MotionPolicy)
	require.Equal(t, []int{0}, motion.MotionPositions)

	mapGroup := out.Node(motion.Child)
	require.Equal(t, NodeGroupBy, mapGroup.Kind)
	require.Len(t, mapGroup.GroupBy, 2)
	require.Equal(t, "ref:a", mapGroup.GroupBy[0].Signature())
	require.Equal(t, "ref:c", mapGroup.GroupBy[1].Signature())

	mapProj := out.Node(mapGroup.Child)
	require.Equal(t, NodeProjection, mapProj.Kind)
	require.Len(t, mapProj.Output, 3)
	require.Equal(t, "g1", mapProj.Output[0].Name)
	require.Equal(t, "ref:a", mapProj.Output[0].Inner.Signature())
	require.Equal(t, "l1", mapProj.Output[1].Name)
	require.Equal(t, "agg:sum(ref:b)", mapProj.Output[1].Inner.Signature())
	require.Equal(t, "g2", mapProj.Output[2].Name)
	require.Equal(t, "ref:c", mapProj.Output[2].Inner.Signature())

	scan := out.Node(mapProj.Child)
	require.Equal(t, NodeScan, scan.Kind)
	require.Equal(t, "t", scan.Table)
}

func TestRewriteDedupesIdenticalAggregateAcrossProjectionAndHaving(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	groupBy := p.AddGroupBy(scan, []*Expr{Ref("a")})
	proj := p.AddProjection(groupBy, []*Expr{Ref("a"), Agg(AggSum, Ref("b"), false)}, false)
	having := p.AddHaving(proj, BinOp(">", Agg(AggSum, Ref("b"), false), Lit(0)))
	p.Root = having

	out, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.NoError(t, err)

	mapProj := findNode(out, out.Root, NodeProjection, 1)
	require.NotNil(t, mapProj)
	// only one local alias introduced for the two identical sum(b) occurrences
	require.Len(t, mapProj.Output, 2)
}

// findNode walks down the Child chain from id and returns the nth node
// (0-indexed among matches) of the given kind.
func findNode(p *Plan, id NodeId, kind NodeKind, nth int) *Node {
	count := 0
	for n := p.Node(id); n != nil; n = p.Node(n.Child) {
		if n.Kind == kind {
			if count == nth {
				return n
			}
			count++
		}
	}
	return nil
}

func TestRewriteDistinctArgumentReusesExistingGroupAlias(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	groupBy := p.AddGroupBy(scan, []*Expr{Ref("a")})
	proj := p.AddProjection(groupBy, []*Expr{Ref("a"), Agg(AggCount, Ref("a"), true)}, false)
	p.Root = proj

	out, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.NoError(t, err)

	reduceProj := out.Node(out.Root)
	require.Equal(t, "ref:g1", reduceProj.Output[0].Signature())
	require.Equal(t, "agg:count(distinct:ref:g1)", reduceProj.Output[1].Signature())
}

func TestRewriteRejectsNestedAggregate(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	groupBy := p.AddGroupBy(scan, []*Expr{Ref("a")})
	proj := p.AddProjection(groupBy, []*Expr{Agg(AggSum, Agg(AggCount, Ref("b"), false), false)}, false)
	p.Root = proj

	_, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNestedAggregate))
}

func TestRewriteRejectsBareColumnNotInGroupBy(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	groupBy := p.AddGroupBy(scan, []*Expr{Ref("a")})
	proj := p.AddProjection(groupBy, []*Expr{Ref("a"), Ref("b")}, false)
	p.Root = proj

	_, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrColumnNotInGroupBy))
}

func TestRewriteSkipsMotionWhenGroupedByBucketID(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	groupBy := p.AddGroupBy(scan, []*Expr{Ref("bucket_id")})
	proj := p.AddProjection(groupBy, []*Expr{Ref("bucket_id"), Agg(AggSum, Ref("b"), false)}, false)
	p.Root = proj

	out, err := Rewrite(p, fixedRouting{"t": "bucket_id"}, NewTestAliasAllocator())
	require.NoError(t, err)
	require.Same(t, p, out)
}

func TestRewriteNoGroupByUsesFullMotion(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	groupBy := p.AddGroupBy(scan, nil)
	proj := p.AddProjection(groupBy, []*Expr{Agg(AggSum, Ref("b"), false)}, false)
	p.Root = proj

	out, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.NoError(t, err)

	reduceProj := out.Node(out.Root)
	reduceGroup := out.Node(reduceProj.Child)
	motion := out.Node(reduceGroup.Child)
	require.Equal(t, MotionFull, motion.MotionPolicy)
	require.Empty(t, motion.MotionPositions)
}

func TestRewriteReturnsPlanUnchangedWithoutAggregation(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	proj := p.AddProjection(scan, []*Expr{Ref("a")}, false)
	p.Root = proj

	out, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.NoError(t, err)
	require.Same(t, p, out)
}

func TestRewriteDistinctWithoutGroupBySynthesizesGroupBy(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	proj := p.AddProjection(scan, []*Expr{Ref("a"), Ref("b")}, true)
	p.Root = proj

	out, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.NoError(t, err)

	reduceProj := out.Node(out.Root)
	require.Equal(t, NodeProjection, reduceProj.Kind)
	require.True(t, reduceProj.Distinct)
	require.Equal(t, "ref:g1", reduceProj.Output[0].Signature())
	require.Equal(t, "ref:g2", reduceProj.Output[1].Signature())

	reduceGroup := out.Node(reduceProj.Child)
	require.Equal(t, NodeGroupBy, reduceGroup.Kind)
	require.True(t, reduceGroup.IsFinal)
	require.Len(t, reduceGroup.GroupBy, 2)

	motion := out.Node(reduceGroup.Child)
	require.Equal(t, NodeMotion, motion.Kind)
	require.Equal(t, MotionSegment, motion.MotionPolicy)
	require.Equal(t, []int{0, 1}, motion.MotionPositions)

	mapGroup := out.Node(motion.Child)
	require.Equal(t, NodeGroupBy, mapGroup.Kind)
	require.Len(t, mapGroup.GroupBy, 2)

	mapProj := out.Node(mapGroup.Child)
	require.Equal(t, NodeProjection, mapProj.Kind)
	require.Len(t, mapProj.Output, 2)
	require.Equal(t, "g1", mapProj.Output[0].Name)
	require.Equal(t, "g2", mapProj.Output[1].Name)

	scanNode := out.Node(mapProj.Child)
	require.Equal(t, NodeScan, scanNode.Kind)
	require.Equal(t, "t", scanNode.Table)
}

func TestRewriteRejectsHavingBareColumnWithoutGroupBy(t *testing.T) {
	p := NewPlan()
	scan := p.AddScan("t")
	proj := p.AddProjection(scan, []*Expr{Agg(AggSum, Ref("b"), false)}, false)
	having := p.AddHaving(proj, BinOp(">", Ref("a"), Lit(10)))
	p.Root = having

	_, err := Rewrite(p, fixedRouting{}, NewTestAliasAllocator())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrColumnNotInGroupBy))
}

func TestProductionAliasAllocatorNamesAreUUIDPrefixed(t *testing.T) {
	alloc := NewProductionAliasAllocator()
	a := alloc.NextGroupAlias()
	b := alloc.NextLocalAlias()
	require.NotEqual(t, a, b)
	require.Contains(t, a, "_0")
	require.Contains(t, b, "_1")
}
