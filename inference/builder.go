package inference

import (
	"encoding/json"
	"math"

	"github.com/YuminosukeSato/dfanalytics/boostedtree"
	"github.com/YuminosukeSato/dfanalytics/core/state"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

const (
	frequencySuffix  = "_frequency"
	targetMeanSuffix = "_targetmean"

	// controlFieldName marks control fields which are never model inputs.
	controlFieldName = "."
)

// builder holds the state shared by the regression and classification builders.
// Feature k of the trained model is the k-th feature name registered.
type builder struct {
	name              string
	lifecycle         *state.Lifecycle
	fieldNames        []string
	dependentVariable int
	categoryNames     [][]string

	featureNames  []string
	preprocessors []Preprocessor
	oneHot        map[int]*OneHotEncoding
	oneHotColumns []int
	custom        []Preprocessor
	trees         []*Tree
}

func newBuilder(owner string, fieldNames []string, dependentVariable int, categoryNames [][]string) *builder {
	return &builder{
		name:              owner,
		lifecycle:         state.New(owner),
		fieldNames:        append([]string(nil), fieldNames...),
		dependentVariable: dependentVariable,
		categoryNames:     categoryNames,
		oneHot:            make(map[int]*OneHotEncoding),
	}
}

func (b *builder) field(column int) (string, error) {
	if column < 0 || column >= len(b.fieldNames) {
		return "", errors.Newf("inference: column %d out of range for %d fields", column, len(b.fieldNames))
	}
	return b.fieldNames[column], nil
}

func (b *builder) category(column, ordinal int) (string, error) {
	if column < 0 || column >= len(b.categoryNames) || ordinal < 0 || ordinal >= len(b.categoryNames[column]) {
		return "", errors.Newf("inference: category %d of column %d is unknown", ordinal, column)
	}
	return b.categoryNames[column][ordinal], nil
}

// AddTree implements boostedtree.Visitor.
func (b *builder) AddTree() error {
	if err := b.lifecycle.RequireOpen("AddTree"); err != nil {
		return err
	}
	b.trees = append(b.trees, &Tree{})
	return nil
}

// AddNode implements boostedtree.Visitor.
func (b *builder) AddNode(splitFeature int, splitValue float64, assignMissingToLeft bool,
	nodeValue []float64, gain float64, numberSamples int, leftChild, rightChild int) error {
	if err := b.lifecycle.RequireOpen("AddNode"); err != nil {
		return err
	}
	if len(b.trees) == 0 {
		return errors.New("inference: AddNode called before AddTree")
	}
	if (leftChild == boostedtree.NoChild) != (rightChild == boostedtree.NoChild) {
		return errors.Newf("inference: node has exactly one child (%d, %d)", leftChild, rightChild)
	}
	tree := b.trees[len(b.trees)-1]
	node := TreeNode{
		NodeIndex:     len(tree.Nodes),
		NumberSamples: numberSamples,
		LeftChild:     NoChild,
		RightChild:    NoChild,
	}
	if leftChild == boostedtree.NoChild {
		node.LeafValue = append([]float64(nil), nodeValue...)
	} else {
		node.SplitFeature = splitFeature
		node.Threshold = splitValue
		node.DefaultLeft = assignMissingToLeft
		node.SplitGain = gain
		node.LeftChild = leftChild
		node.RightChild = rightChild
	}
	tree.Nodes = append(tree.Nodes, node)
	return nil
}

// AddIdentityEncoding implements boostedtree.Visitor.
func (b *builder) AddIdentityEncoding(inputColumn int) error {
	if err := b.lifecycle.RequireOpen("AddIdentityEncoding"); err != nil {
		return err
	}
	name, err := b.field(inputColumn)
	if err != nil {
		return err
	}
	b.featureNames = append(b.featureNames, name)
	return nil
}

// AddOneHotEncoding implements boostedtree.Visitor. Calls for the same column
// add categories to one preprocessor.
func (b *builder) AddOneHotEncoding(inputColumn, hotCategory int) error {
	if err := b.lifecycle.RequireOpen("AddOneHotEncoding"); err != nil {
		return err
	}
	field, err := b.field(inputColumn)
	if err != nil {
		return err
	}
	category, err := b.category(inputColumn, hotCategory)
	if err != nil {
		return err
	}
	encoding, ok := b.oneHot[inputColumn]
	if !ok {
		encoding = &OneHotEncoding{Field: field, HotMap: make(map[string]string)}
		b.oneHot[inputColumn] = encoding
		b.oneHotColumns = append(b.oneHotColumns, inputColumn)
	}
	featureName := field + "_" + category
	encoding.HotMap[category] = featureName
	b.featureNames = append(b.featureNames, featureName)
	return nil
}

// AddTargetMeanEncoding implements boostedtree.Visitor.
func (b *builder) AddTargetMeanEncoding(inputColumn int, targetMeans []float64, fallback float64) error {
	if err := b.lifecycle.RequireOpen("AddTargetMeanEncoding"); err != nil {
		return err
	}
	field, err := b.field(inputColumn)
	if err != nil {
		return err
	}
	featureName := field + targetMeanSuffix
	b.preprocessors = append(b.preprocessors, &TargetMeanEncoding{
		Field:        field,
		FeatureName:  featureName,
		TargetMap:    b.encodingMap(inputColumn, targetMeans, fallback),
		DefaultValue: fallback,
	})
	b.featureNames = append(b.featureNames, featureName)
	return nil
}

// AddFrequencyEncoding implements boostedtree.Visitor. Categories past the end
// of frequencies get frequency 0.
func (b *builder) AddFrequencyEncoding(inputColumn int, frequencies []float64) error {
	if err := b.lifecycle.RequireOpen("AddFrequencyEncoding"); err != nil {
		return err
	}
	field, err := b.field(inputColumn)
	if err != nil {
		return err
	}
	featureName := field + frequencySuffix
	b.preprocessors = append(b.preprocessors, &FrequencyEncoding{
		Field:        field,
		FeatureName:  featureName,
		FrequencyMap: b.encodingMap(inputColumn, frequencies, 0),
	})
	b.featureNames = append(b.featureNames, featureName)
	return nil
}

// encodingMap keys values by category name. Every known category is present,
// using fallback when values is too short.
func (b *builder) encodingMap(column int, values []float64, fallback float64) map[string]float64 {
	var categories []string
	if column < len(b.categoryNames) {
		categories = b.categoryNames[column]
	}
	result := make(map[string]float64, len(categories))
	for i, category := range categories {
		value := fallback
		if i < len(values) && !math.IsNaN(values[i]) {
			value = values[i]
		}
		result[category] = value
	}
	return result
}

// AddCustomProcessor appends a caller supplied preprocessor. It is written after
// all generated preprocessors.
func (b *builder) AddCustomProcessor(raw json.RawMessage) error {
	if err := b.lifecycle.RequireOpen("AddCustomProcessor"); err != nil {
		return err
	}
	if !json.Valid(raw) {
		return errors.New("inference: custom processor is not valid JSON")
	}
	b.custom = append(b.custom, &CustomEncoding{Raw: append(json.RawMessage(nil), raw...)})
	return nil
}

// FeatureNames returns the features registered so far.
func (b *builder) FeatureNames() []string {
	return append([]string(nil), b.featureNames...)
}

func (b *builder) inputFieldNames() []string {
	names := make([]string, 0, len(b.fieldNames))
	for i, name := range b.fieldNames {
		if i == b.dependentVariable || name == controlFieldName {
			continue
		}
		names = append(names, name)
	}
	return names
}

func (b *builder) build(ensemble *Ensemble) (*Definition, error) {
	if !b.lifecycle.Complete() {
		return nil, errors.NewBuilderMisuseError(b.name, "Build")
	}

	preprocessors := make([]Preprocessor, 0, len(b.preprocessors)+len(b.oneHotColumns)+len(b.custom))
	preprocessors = append(preprocessors, b.preprocessors...)
	for _, column := range b.oneHotColumns {
		preprocessors = append(preprocessors, b.oneHot[column])
	}
	preprocessors = append(preprocessors, b.custom...)

	ensemble.FeatureNames = b.FeatureNames()
	ensemble.Trees = b.trees
	for i, tree := range ensemble.Trees {
		tree.FeatureNames = ensemble.FeatureNames
		tree.TargetType = ensemble.TargetType
		if err := tree.validate(i); err != nil {
			return nil, err
		}
	}
	ensemble.AggregateOutput.Weights = ones(len(ensemble.Trees))

	return &Definition{
		FieldNames:    b.inputFieldNames(),
		Preprocessors: preprocessors,
		TrainedModel:  ensemble,
	}, nil
}

func ones(n int) []float64 {
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	return weights
}

// RegressionBuilder builds a regression model definition. The aggregate output
// follows the loss function: exponent for MSLE, weighted sum otherwise.
type RegressionBuilder struct {
	*builder
	lossType boostedtree.LossType
}

var _ boostedtree.Visitor = (*RegressionBuilder)(nil)

// NewRegressionBuilder creates a builder for a model predicting
// fieldNames[dependentVariable]. categoryNames[i] lists the categories of
// field i by ordinal and is empty for numeric fields.
func NewRegressionBuilder(fieldNames []string, dependentVariable int, categoryNames [][]string) *RegressionBuilder {
	return &RegressionBuilder{builder: newBuilder("RegressionBuilder", fieldNames, dependentVariable, categoryNames)}
}

// AddClassificationWeights is ignored for regression.
func (b *RegressionBuilder) AddClassificationWeights([]float64) error {
	return b.lifecycle.RequireOpen("AddClassificationWeights")
}

// AddLossFunction implements boostedtree.Visitor.
func (b *RegressionBuilder) AddLossFunction(loss boostedtree.LossType) error {
	if err := b.lifecycle.RequireOpen("AddLossFunction"); err != nil {
		return err
	}
	if loss.IsClassification() {
		return errors.Newf("inference: regression model cannot use loss %s", loss)
	}
	b.lossType = loss
	return nil
}

// Build returns the definition. It may be called once.
func (b *RegressionBuilder) Build() (*Definition, error) {
	kind := WeightedSum
	if b.lossType == boostedtree.MsleRegression {
		kind = Exponent
	}
	return b.build(&Ensemble{
		TargetType:      Regression,
		AggregateOutput: AggregateOutput{Kind: kind},
	})
}

// ClassificationBuilder builds a classification model definition. The class
// labels are the categories of the dependent variable.
type ClassificationBuilder struct {
	*builder
	weights []float64
}

var _ boostedtree.Visitor = (*ClassificationBuilder)(nil)

// NewClassificationBuilder creates a builder for a model predicting the
// categories of fieldNames[dependentVariable].
func NewClassificationBuilder(fieldNames []string, dependentVariable int, categoryNames [][]string) *ClassificationBuilder {
	return &ClassificationBuilder{builder: newBuilder("ClassificationBuilder", fieldNames, dependentVariable, categoryNames)}
}

// AddClassificationWeights implements boostedtree.Visitor.
func (b *ClassificationBuilder) AddClassificationWeights(weights []float64) error {
	if err := b.lifecycle.RequireOpen("AddClassificationWeights"); err != nil {
		return err
	}
	b.weights = append([]float64(nil), weights...)
	return nil
}

// AddLossFunction implements boostedtree.Visitor.
func (b *ClassificationBuilder) AddLossFunction(loss boostedtree.LossType) error {
	if err := b.lifecycle.RequireOpen("AddLossFunction"); err != nil {
		return err
	}
	if !loss.IsClassification() {
		return errors.Newf("inference: classification model cannot use loss %s", loss)
	}
	return nil
}

// Build returns the definition. It may be called once.
func (b *ClassificationBuilder) Build() (*Definition, error) {
	var labels []string
	if b.dependentVariable >= 0 && b.dependentVariable < len(b.categoryNames) {
		labels = append([]string(nil), b.categoryNames[b.dependentVariable]...)
	}
	weights := b.weights
	if weights == nil {
		weights = ones(len(labels))
	}
	return b.build(&Ensemble{
		TargetType:            Classification,
		AggregateOutput:       AggregateOutput{Kind: LogisticRegression},
		ClassificationLabels:  labels,
		ClassificationWeights: weights,
	})
}
