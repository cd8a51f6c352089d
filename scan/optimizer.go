package scan

import (
	"github.com/hugr-lab/mssql-extension-sub009/querygen"
)

// Plan nodes as the host's post-optimization plan presents them to the
// rewrite callback. Only the shapes the rewriter matches are modelled;
// anything else is opaque.

// PlanNode is a node of the host's physical plan.
type PlanNode interface {
	isPlanNode()
}

// GetNode is a table scan of this extension.
type GetNode struct {
	Plan *ScanPlan
}

// OrderNode sorts its child.
type OrderNode struct {
	Keys  []querygen.OrderKey
	Child PlanNode
}

// LimitNode truncates its child.
type LimitNode struct {
	Limit  int64
	Offset int64
	Child  PlanNode
}

// TopNode is the host's combined sort-limit node.
type TopNode struct {
	N     int64
	Keys  []querygen.OrderKey
	Child PlanNode
}

// OpaqueNode wraps a subtree the rewriter does not inspect.
type OpaqueNode struct {
	Children []PlanNode
}

func (*GetNode) isPlanNode()    {}
func (*OrderNode) isPlanNode()  {}
func (*LimitNode) isPlanNode()  {}
func (*TopNode) isPlanNode()    {}
func (*OpaqueNode) isPlanNode() {}

// Optimizer rewrites plan shapes to move ORDER BY and TOP-N into scan
// plans. It runs after the host's built-in optimizer. Gated by the
// attachment's order_pushdown setting.
type Optimizer struct {
	Gen *querygen.Generator

	// Enabled mirrors the effective order_pushdown setting.
	Enabled bool
}

// Rewrite walks the plan and applies the pushdown patterns. The
// ordering and limiting nodes stay in the plan for correctness; the
// remote server pre-orders and pre-truncates, the host finalizes.
func (o *Optimizer) Rewrite(root PlanNode) PlanNode {
	if !o.Enabled {
		return root
	}
	return o.rewrite(root)
}

func (o *Optimizer) rewrite(node PlanNode) PlanNode {
	switch n := node.(type) {
	case *OrderNode:
		n.Child = o.rewrite(n.Child)
		if get, ok := n.Child.(*GetNode); ok {
			o.pushOrder(get, n.Keys)
		}
		return n

	case *LimitNode:
		n.Child = o.rewrite(n.Child)
		// Limit over Order over Get with no OFFSET becomes TOP N when
		// the whole order pushes.
		if n.Offset != 0 {
			return n
		}
		if order, ok := n.Child.(*OrderNode); ok {
			if get, ok := order.Child.(*GetNode); ok {
				if o.orderFullyPushable(get, order.Keys) {
					get.Plan.Order = order.Keys
					get.Plan.TopN = n.Limit
				}
			}
		}
		return n

	case *TopNode:
		n.Child = o.rewrite(n.Child)
		if get, ok := n.Child.(*GetNode); ok {
			if len(n.Keys) == 0 || o.orderFullyPushable(get, n.Keys) {
				get.Plan.Order = n.Keys
				get.Plan.TopN = n.N
			}
		}
		return n

	case *OpaqueNode:
		for i, child := range n.Children {
			n.Children[i] = o.rewrite(child)
		}
		return n

	default:
		return node
	}
}

// pushOrder moves the order spec into the scan plan. The host keeps
// its ordering node, so a partially pushed prefix is still a win: the
// server pre-orders and the host finalizes.
func (o *Optimizer) pushOrder(get *GetNode, keys []querygen.OrderKey) {
	prefix, _ := o.Gen.PushableOrderPrefix(get.Plan.Table, keys)
	if len(prefix) > 0 {
		get.Plan.Order = keys
	}
}

func (o *Optimizer) orderFullyPushable(get *GetNode, keys []querygen.OrderKey) bool {
	if len(keys) == 0 {
		return false
	}
	_, full := o.Gen.PushableOrderPrefix(get.Plan.Table, keys)
	return full
}
