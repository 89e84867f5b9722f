// Package inference holds the exported model definition and the builders that
// produce it from a trained forest.
//
// A Definition is a list of preprocessors which turn raw input fields into
// features, followed by a trained ensemble which consumes those features by
// index. Its JSON form is the portable inference artifact.
package inference

import (
	"encoding/json"
	"sort"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// TargetType is the kind of value a trained model predicts.
type TargetType int

const (
	Regression TargetType = iota
	Classification
)

func (t TargetType) String() string {
	if t == Classification {
		return "classification"
	}
	return "regression"
}

// MarshalJSON implements json.Marshaler.
func (t TargetType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *TargetType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "regression":
		*t = Regression
	case "classification":
		*t = Classification
	default:
		return errors.Newf("inference: unknown target type %q", s)
	}
	return nil
}

// AggregateKind is how per-tree outputs are combined.
type AggregateKind string

const (
	WeightedSum        AggregateKind = "weighted_sum"
	LogisticRegression AggregateKind = "logistic_regression"
	Exponent           AggregateKind = "exponent"
)

// AggregateOutput combines the trees of an ensemble with one weight per tree.
type AggregateOutput struct {
	Kind    AggregateKind
	Weights []float64
}

type aggregateWeights struct {
	Weights []float64 `json:"weights"`
}

// MarshalJSON implements json.Marshaler.
func (a AggregateOutput) MarshalJSON() ([]byte, error) {
	weights := a.Weights
	if weights == nil {
		weights = []float64{}
	}
	return json.Marshal(map[AggregateKind]aggregateWeights{a.Kind: {Weights: weights}})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AggregateOutput) UnmarshalJSON(data []byte) error {
	var wire map[AggregateKind]aggregateWeights
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire) != 1 {
		return errors.Newf("inference: aggregate_output must have exactly one kind, got %d", len(wire))
	}
	for kind, w := range wire {
		switch kind {
		case WeightedSum, LogisticRegression, Exponent:
		default:
			return errors.Newf("inference: unknown aggregate output %q", kind)
		}
		a.Kind, a.Weights = kind, w.Weights
	}
	return nil
}

// TreeNode is one split or leaf. A node whose children are both NoChild is a
// leaf predicting LeafValue.
type TreeNode struct {
	NodeIndex     int
	SplitFeature  int
	Threshold     float64
	DefaultLeft   bool
	LeafValue     []float64
	NumberSamples int
	SplitGain     float64
	LeftChild     int
	RightChild    int
}

// NoChild marks an absent child.
const NoChild = -1

// IsLeaf reports whether the node has no children.
func (n *TreeNode) IsLeaf() bool {
	return n.LeftChild == NoChild && n.RightChild == NoChild
}

type treeNodeJSON struct {
	NodeIndex     int       `json:"node_index"`
	SplitFeature  *int      `json:"split_feature,omitempty"`
	SplitGain     *float64  `json:"split_gain,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"`
	DecisionType  string    `json:"decision_type,omitempty"`
	DefaultLeft   *bool     `json:"default_left,omitempty"`
	LeftChild     *int      `json:"left_child,omitempty"`
	RightChild    *int      `json:"right_child,omitempty"`
	LeafValue     []float64 `json:"leaf_value,omitempty"`
	NumberSamples int       `json:"number_samples"`
}

// MarshalJSON implements json.Marshaler.
func (n TreeNode) MarshalJSON() ([]byte, error) {
	wire := treeNodeJSON{NodeIndex: n.NodeIndex, NumberSamples: n.NumberSamples}
	if n.IsLeaf() {
		wire.LeafValue = n.LeafValue
		if wire.LeafValue == nil {
			wire.LeafValue = []float64{}
		}
		return json.Marshal(wire)
	}
	wire.SplitFeature = &n.SplitFeature
	wire.SplitGain = &n.SplitGain
	wire.Threshold = &n.Threshold
	wire.DecisionType = "lte"
	wire.DefaultLeft = &n.DefaultLeft
	wire.LeftChild = &n.LeftChild
	wire.RightChild = &n.RightChild
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *TreeNode) UnmarshalJSON(data []byte) error {
	var wire treeNodeJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*n = TreeNode{
		NodeIndex:     wire.NodeIndex,
		NumberSamples: wire.NumberSamples,
		LeafValue:     wire.LeafValue,
		LeftChild:     NoChild,
		RightChild:    NoChild,
	}
	if wire.LeftChild == nil && wire.RightChild == nil {
		return nil
	}
	if wire.LeftChild == nil || wire.RightChild == nil {
		return errors.Newf("inference: node %d has only one child", wire.NodeIndex)
	}
	n.LeftChild, n.RightChild = *wire.LeftChild, *wire.RightChild
	if wire.SplitFeature != nil {
		n.SplitFeature = *wire.SplitFeature
	}
	if wire.SplitGain != nil {
		n.SplitGain = *wire.SplitGain
	}
	if wire.Threshold != nil {
		n.Threshold = *wire.Threshold
	}
	if wire.DefaultLeft != nil {
		n.DefaultLeft = *wire.DefaultLeft
	}
	return nil
}

// Tree is one decision tree. Nodes are stored in visitation order and
// NodeIndex equals the position.
type Tree struct {
	FeatureNames         []string   `json:"feature_names"`
	Nodes                []TreeNode `json:"tree_structure"`
	TargetType           TargetType `json:"target_type"`
	ClassificationLabels []string   `json:"classification_labels,omitempty"`
}

// Size returns the number of nodes.
func (t *Tree) Size() int { return len(t.Nodes) }

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

func (t *Tree) validate(index int) error {
	for i := range t.Nodes {
		node := &t.Nodes[i]
		if node.IsLeaf() {
			continue
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child < i || child >= len(t.Nodes) {
				return errors.Newf("inference: tree %d node %d: child %d out of range [%d, %d)",
					index, i, child, i, len(t.Nodes))
			}
		}
	}
	return nil
}

type treeWrapper struct {
	Tree *Tree `json:"tree"`
}

// Ensemble is a forest whose tree outputs are combined by AggregateOutput.
type Ensemble struct {
	FeatureNames          []string
	Trees                 []*Tree
	AggregateOutput       AggregateOutput
	TargetType            TargetType
	ClassificationLabels  []string
	ClassificationWeights []float64
}

// Size returns the number of trees.
func (e *Ensemble) Size() int { return len(e.Trees) }

type ensembleJSON struct {
	FeatureNames          []string        `json:"feature_names"`
	TrainedModels         []treeWrapper   `json:"trained_models"`
	AggregateOutput       AggregateOutput `json:"aggregate_output"`
	TargetType            TargetType      `json:"target_type"`
	ClassificationLabels  []string        `json:"classification_labels,omitempty"`
	ClassificationWeights []float64       `json:"classification_weights,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Ensemble) MarshalJSON() ([]byte, error) {
	wire := ensembleJSON{
		FeatureNames:          e.FeatureNames,
		TrainedModels:         make([]treeWrapper, len(e.Trees)),
		AggregateOutput:       e.AggregateOutput,
		TargetType:            e.TargetType,
		ClassificationLabels:  e.ClassificationLabels,
		ClassificationWeights: e.ClassificationWeights,
	}
	if wire.FeatureNames == nil {
		wire.FeatureNames = []string{}
	}
	for i, tree := range e.Trees {
		wire.TrainedModels[i] = treeWrapper{Tree: tree}
	}
	return json.Marshal(map[string]ensembleJSON{"ensemble": wire})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Ensemble) UnmarshalJSON(data []byte) error {
	var wrapper map[string]ensembleJSON
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	wire, ok := wrapper["ensemble"]
	if !ok {
		return errors.New("inference: trained_model is not an ensemble")
	}
	*e = Ensemble{
		FeatureNames:          wire.FeatureNames,
		Trees:                 make([]*Tree, 0, len(wire.TrainedModels)),
		AggregateOutput:       wire.AggregateOutput,
		TargetType:            wire.TargetType,
		ClassificationLabels:  wire.ClassificationLabels,
		ClassificationWeights: wire.ClassificationWeights,
	}
	for i, model := range wire.TrainedModels {
		if model.Tree == nil {
			return errors.Newf("inference: trained model %d is not a tree", i)
		}
		e.Trees = append(e.Trees, model.Tree)
	}
	return nil
}

// Preprocessor turns one raw input field into features.
type Preprocessor interface {
	// Type is the JSON key of the preprocessor.
	Type() string
	// FeatureNames lists the features the preprocessor produces.
	FeatureNames() []string
}

const (
	oneHotType     = "one_hot_encoding"
	frequencyType  = "frequency_encoding"
	targetMeanType = "target_mean_encoding"
)

// OneHotEncoding maps category values of Field to one indicator feature each.
type OneHotEncoding struct {
	Field  string            `json:"field"`
	HotMap map[string]string `json:"hot_map"`
}

// Type implements Preprocessor.
func (e *OneHotEncoding) Type() string { return oneHotType }

// FeatureNames implements Preprocessor. Names are returned in category order.
func (e *OneHotEncoding) FeatureNames() []string {
	names := make([]string, 0, len(e.HotMap))
	for _, category := range sortedKeys(e.HotMap) {
		names = append(names, e.HotMap[category])
	}
	return names
}

// FrequencyEncoding replaces a category by its relative frequency.
type FrequencyEncoding struct {
	Field        string             `json:"field"`
	FeatureName  string             `json:"feature_name"`
	FrequencyMap map[string]float64 `json:"frequency_map"`
}

// Type implements Preprocessor.
func (e *FrequencyEncoding) Type() string { return frequencyType }

// FeatureNames implements Preprocessor.
func (e *FrequencyEncoding) FeatureNames() []string { return []string{e.FeatureName} }

// TargetMeanEncoding replaces a category by the mean target value seen for it.
// DefaultValue is used for categories missing from TargetMap.
type TargetMeanEncoding struct {
	Field        string             `json:"field"`
	FeatureName  string             `json:"feature_name"`
	TargetMap    map[string]float64 `json:"target_map"`
	DefaultValue float64            `json:"default_value"`
}

// Type implements Preprocessor.
func (e *TargetMeanEncoding) Type() string { return targetMeanType }

// FeatureNames implements Preprocessor.
func (e *TargetMeanEncoding) FeatureNames() []string { return []string{e.FeatureName} }

// CustomEncoding is a preprocessor supplied by the caller. It is written out
// verbatim and never interpreted.
type CustomEncoding struct {
	Raw json.RawMessage
}

// Type implements Preprocessor. It is the single key of the object when there
// is one.
func (e *CustomEncoding) Type() string {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &object); err == nil && len(object) == 1 {
		for key := range object {
			return key
		}
	}
	return "custom"
}

// FeatureNames implements Preprocessor.
func (e *CustomEncoding) FeatureNames() []string { return nil }

// Definition is the exported model.
type Definition struct {
	FieldNames    []string
	Preprocessors []Preprocessor
	TrainedModel  *Ensemble
	Metadata      *Metadata
}

type definitionJSON struct {
	Input struct {
		FieldNames []string `json:"field_names"`
	} `json:"input"`
	Preprocessors []json.RawMessage `json:"preprocessors"`
	TrainedModel  *Ensemble         `json:"trained_model"`
	Metadata      *Metadata         `json:"model_metadata,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (d *Definition) MarshalJSON() ([]byte, error) {
	var wire definitionJSON
	wire.Input.FieldNames = d.FieldNames
	if wire.Input.FieldNames == nil {
		wire.Input.FieldNames = []string{}
	}
	wire.Preprocessors = make([]json.RawMessage, 0, len(d.Preprocessors))
	for _, p := range d.Preprocessors {
		raw, err := marshalPreprocessor(p)
		if err != nil {
			return nil, err
		}
		wire.Preprocessors = append(wire.Preprocessors, raw)
	}
	wire.TrainedModel = d.TrainedModel
	wire.Metadata = d.Metadata
	return json.Marshal(wire)
}

func marshalPreprocessor(p Preprocessor) (json.RawMessage, error) {
	if custom, ok := p.(*CustomEncoding); ok {
		return custom.Raw, nil
	}
	raw, err := json.Marshal(map[string]Preprocessor{p.Type(): p})
	if err != nil {
		return nil, errors.Wrapf(err, "inference: encode %s", p.Type())
	}
	return raw, nil
}

// UnmarshalJSON implements json.Unmarshaler. Preprocessors of an unknown type
// are kept as CustomEncoding.
func (d *Definition) UnmarshalJSON(data []byte) error {
	var wire definitionJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, "inference: decode definition")
	}
	*d = Definition{
		FieldNames:    wire.Input.FieldNames,
		Preprocessors: make([]Preprocessor, 0, len(wire.Preprocessors)),
		TrainedModel:  wire.TrainedModel,
		Metadata:      wire.Metadata,
	}
	for i, raw := range wire.Preprocessors {
		p, err := unmarshalPreprocessor(raw)
		if err != nil {
			return errors.Wrapf(err, "inference: decode preprocessor %d", i)
		}
		d.Preprocessors = append(d.Preprocessors, p)
	}
	return nil
}

func unmarshalPreprocessor(raw json.RawMessage) (Preprocessor, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, err
	}
	if len(object) == 1 {
		var p Preprocessor
		for key := range object {
			switch key {
			case oneHotType:
				p = &OneHotEncoding{}
			case frequencyType:
				p = &FrequencyEncoding{}
			case targetMeanType:
				p = &TargetMeanEncoding{}
			}
			if p != nil {
				if err := json.Unmarshal(object[key], p); err != nil {
					return nil, err
				}
				return p, nil
			}
		}
	}
	return &CustomEncoding{Raw: append(json.RawMessage(nil), raw...)}, nil
}

// JSON returns the compact JSON form of the definition.
func (d *Definition) JSON() ([]byte, error) {
	return json.Marshal(d)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
