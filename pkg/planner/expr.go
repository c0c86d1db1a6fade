// Package planner rewrites a single-stage aggregation plan over a sharded
// table into a two-stage map/reduce plan: partial aggregates computed per
// shard, finalised after a shuffle.
package planner

import (
	"errors"
	"fmt"
)

// ErrNestedAggregate is returned when an aggregate call's own argument
// contains another aggregate call, which SQL (and this rewriter) disallows.
var ErrNestedAggregate = errors.New("planner: nested aggregate not allowed")

// ErrColumnNotInGroupBy is returned when a projection or having expression
// references a bare column that is neither an aggregate argument nor one
// of the group-by expressions.
var ErrColumnNotInGroupBy = errors.New("planner: column not in GROUP BY")

// ExprKind tags the shape of an Expr node.
type ExprKind string

const (
	ExprReference ExprKind = "reference"
	ExprLiteral   ExprKind = "literal"
	ExprBinaryOp  ExprKind = "binary_op"
	ExprAggregate ExprKind = "aggregate"
	ExprAlias     ExprKind = "alias"
)

// Aggregate kinds recognized by the rewriter.
const (
	AggSum         = "sum"
	AggCount       = "count"
	AggAvg         = "avg"
	AggMin         = "min"
	AggMax         = "max"
	AggGroupConcat = "group_concat"
)

// Expr is a scalar expression tree: a reference to a column, a literal, a
// binary operator, an aggregate call, or a named alias over another expr.
type Expr struct {
	Kind ExprKind

	// ExprReference
	Column string

	// ExprLiteral
	Value interface{}

	// ExprBinaryOp
	Op          string
	Left, Right *Expr

	// ExprAggregate
	AggKind  string
	Distinct bool
	Arg      *Expr

	// ExprAlias
	Inner *Expr
	Name  string
}

// Ref builds a column reference.
func Ref(column string) *Expr { return &Expr{Kind: ExprReference, Column: column} }

// Lit builds a literal.
func Lit(v interface{}) *Expr { return &Expr{Kind: ExprLiteral, Value: v} }

// BinOp builds a binary operator expression.
func BinOp(op string, left, right *Expr) *Expr {
	return &Expr{Kind: ExprBinaryOp, Op: op, Left: left, Right: right}
}

// Agg builds an aggregate call.
func Agg(kind string, arg *Expr, distinct bool) *Expr {
	return &Expr{Kind: ExprAggregate, AggKind: kind, Arg: arg, Distinct: distinct}
}

// As wraps e in a named alias.
func As(e *Expr, name string) *Expr {
	return &Expr{Kind: ExprAlias, Inner: e, Name: name}
}

// Signature renders e canonically: two subtrees are semantically equal iff
// their signatures are equal. Aliases are transparent (the alias name plays
// no role in the underlying expression's identity).
func (e *Expr) Signature() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case ExprReference:
		return "ref:" + e.Column
	case ExprLiteral:
		return fmt.Sprintf("lit:%v", e.Value)
	case ExprBinaryOp:
		return fmt.Sprintf("op:%s(%s,%s)", e.Op, e.Left.Signature(), e.Right.Signature())
	case ExprAggregate:
		d := ""
		if e.Distinct {
			d = "distinct:"
		}
		return fmt.Sprintf("agg:%s(%s%s)", e.AggKind, d, e.Arg.Signature())
	case ExprAlias:
		return e.Inner.Signature()
	default:
		return "?"
	}
}

// clone deep-copies e, used so the map and reduce stages don't share
// mutable subtrees.
func clone(e *Expr) *Expr {
	if e == nil {
		return nil
	}
	c := *e
	c.Left = clone(e.Left)
	c.Right = clone(e.Right)
	c.Arg = clone(e.Arg)
	c.Inner = clone(e.Inner)
	return &c
}

// containsAggregate reports whether an aggregate call appears anywhere in e.
func containsAggregate(e *Expr) bool {
	if e == nil {
		return false
	}
	if e.Kind == ExprAggregate {
		return true
	}
	return containsAggregate(e.Left) || containsAggregate(e.Right) || containsAggregate(e.Arg) || containsAggregate(e.Inner)
}

// collectAggregates appends every aggregate node found in e (rejecting
// nested aggregates: an aggregate's Arg must not itself contain one).
func collectAggregates(e *Expr, into *[]*Expr) error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ExprAggregate:
		if containsAggregate(e.Arg) {
			return ErrNestedAggregate
		}
		*into = append(*into, e)
		return nil
	case ExprBinaryOp:
		if err := collectAggregates(e.Left, into); err != nil {
			return err
		}
		return collectAggregates(e.Right, into)
	case ExprAlias:
		return collectAggregates(e.Inner, into)
	default:
		return nil
	}
}

// bareReferences collects every ExprReference reachable from e without
// descending into aggregate arguments (those are covered separately).
func bareReferences(e *Expr, into *[]*Expr) {
	if e == nil {
		return
	}
	switch e.Kind {
	case ExprReference:
		*into = append(*into, e)
	case ExprBinaryOp:
		bareReferences(e.Left, into)
		bareReferences(e.Right, into)
	case ExprAlias:
		bareReferences(e.Inner, into)
	case ExprAggregate:
		// references inside an aggregate's argument are covered by the
		// aggregate's own local-kind decomposition, not grouping matching.
	}
}
