package boostedtree

import (
	"strings"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// LossType identifies the loss function a forest was trained with.
type LossType int

const (
	// MseRegression is mean squared error.
	MseRegression LossType = iota
	// MsleRegression is mean squared logarithmic error. The forest predicts in
	// log space.
	MsleRegression
	// PseudoHuberRegression is the pseudo-Huber loss.
	PseudoHuberRegression
	// BinomialLogisticRegression is cross entropy over two classes.
	BinomialLogisticRegression
	// MultinomialLogisticRegression is cross entropy over more than two classes.
	MultinomialLogisticRegression
)

var lossNames = map[LossType]string{
	MseRegression:                 "mse",
	MsleRegression:                "msle",
	PseudoHuberRegression:         "huber",
	BinomialLogisticRegression:    "binomial_logistic",
	MultinomialLogisticRegression: "multinomial_logistic",
}

func (l LossType) String() string {
	if name, ok := lossNames[l]; ok {
		return name
	}
	return "unknown"
}

// IsClassification reports whether the loss is a classification loss.
func (l LossType) IsClassification() bool {
	return l == BinomialLogisticRegression || l == MultinomialLogisticRegression
}

// ParseRegressionLoss maps the loss_function parameter to a LossType. An empty
// name selects MseRegression.
func ParseRegressionLoss(name string) (LossType, error) {
	switch strings.ToLower(name) {
	case "", "mse":
		return MseRegression, nil
	case "msle":
		return MsleRegression, nil
	case "huber":
		return PseudoHuberRegression, nil
	default:
		return 0, errors.NewInvalidSpecificationError("loss_function",
			"must be one of mse, msle or huber", name)
	}
}

// NoChild marks an absent child in Visitor.AddNode.
const NoChild = -1

// Visitor receives a trained forest and the feature encodings it was trained
// on. Forest.Accept calls the encoding methods first, in feature order, then the
// loss function, then the trees. Nodes are visited in their stored order so the
// n-th AddNode after an AddTree is node n of that tree.
type Visitor interface {
	AddTree() error
	// AddNode appends a node. leftChild and rightChild are NoChild for a leaf,
	// whose prediction is nodeValue.
	AddNode(splitFeature int, splitValue float64, assignMissingToLeft bool,
		nodeValue []float64, gain float64, numberSamples int, leftChild, rightChild int) error
	AddIdentityEncoding(inputColumn int) error
	AddOneHotEncoding(inputColumn, hotCategory int) error
	// AddTargetMeanEncoding maps the categories of inputColumn, by ordinal, to
	// the mean target value. fallback is used for unseen categories.
	AddTargetMeanEncoding(inputColumn int, targetMeans []float64, fallback float64) error
	// AddFrequencyEncoding maps the categories of inputColumn, by ordinal, to
	// their frequency.
	AddFrequencyEncoding(inputColumn int, frequencies []float64) error
	AddClassificationWeights(weights []float64) error
	AddLossFunction(loss LossType) error
}
