package boostedtree

import (
	"math"
)

// Node is one node of a regression tree. Every node carries a value: the
// prediction for a leaf, the prediction the node would make if it were a leaf
// for a split node. The latter is what feature importance is measured against.
type Node struct {
	SplitFeature        int       `json:"split_feature"`
	Threshold           float64   `json:"threshold"`
	AssignMissingToLeft bool      `json:"assign_missing_to_left"`
	Value               []float64 `json:"value"`
	Gain                float64   `json:"gain"`
	NumberSamples       int       `json:"number_samples"`
	LeftChild           int       `json:"left_child"`
	RightChild          int       `json:"right_child"`
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool {
	return n.LeftChild == NoChild && n.RightChild == NoChild
}

// child returns the index of the child features are routed to. Values less
// than or equal to the threshold go left.
func (n *Node) child(features []float64) int {
	value := features[n.SplitFeature]
	if math.IsNaN(value) {
		if n.AssignMissingToLeft {
			return n.LeftChild
		}
		return n.RightChild
	}
	if value <= n.Threshold {
		return n.LeftChild
	}
	return n.RightChild
}

// Tree is a binary regression tree stored as a flat node slice with the root
// at index zero. Children always follow their parent.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// newLeafTree returns a tree consisting of a single leaf.
func newLeafTree(value []float64, samples int) *Tree {
	return &Tree{Nodes: []Node{{
		Value:         append([]float64(nil), value...),
		NumberSamples: samples,
		LeftChild:     NoChild,
		RightChild:    NoChild,
	}}}
}

// Leaf returns the index of the leaf features end up in.
func (t *Tree) Leaf(features []float64) int {
	i := 0
	for !t.Nodes[i].IsLeaf() {
		i = t.Nodes[i].child(features)
	}
	return i
}

// Path returns the node indices from the root to the leaf features end up in.
func (t *Tree) Path(features []float64) []int {
	path := []int{0}
	for i := 0; !t.Nodes[i].IsLeaf(); {
		i = t.Nodes[i].child(features)
		path = append(path, i)
	}
	return path
}

// Predict returns the leaf value for features.
func (t *Tree) Predict(features []float64) []float64 {
	return t.Nodes[t.Leaf(features)].Value
}

// NumberLeaves returns the number of leaves.
func (t *Tree) NumberLeaves() int {
	leaves := 0
	for i := range t.Nodes {
		if t.Nodes[i].IsLeaf() {
			leaves++
		}
	}
	return leaves
}

// Depth returns the length of the longest root to leaf path.
func (t *Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	var depth func(i int) int
	depth = func(i int) int {
		node := &t.Nodes[i]
		if node.IsLeaf() {
			return 0
		}
		return 1 + max(depth(node.LeftChild), depth(node.RightChild))
	}
	return depth(0)
}

func (t *Tree) memoryUsage() int64 {
	const nodeBytes = 80
	usage := int64(len(t.Nodes)) * nodeBytes
	for i := range t.Nodes {
		usage += int64(len(t.Nodes[i].Value)) * 8
	}
	return usage
}

func (t *Tree) accept(v Visitor) error {
	if err := v.AddTree(); err != nil {
		return err
	}
	for i := range t.Nodes {
		node := &t.Nodes[i]
		if err := v.AddNode(node.SplitFeature, node.Threshold, node.AssignMissingToLeft,
			node.Value, node.Gain, node.NumberSamples, node.LeftChild, node.RightChild); err != nil {
			return err
		}
	}
	return nil
}
