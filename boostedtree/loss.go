package boostedtree

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// minHessian keeps leaf weights finite where a loss is locally flat.
const minHessian = 1e-16

// Loss is a twice differentiable training objective. Predictions are vectors
// of Dimension raw scores; gradients use a diagonal Hessian.
type Loss interface {
	Type() LossType
	Dimension() int
	// InitialPrediction is the constant raw score the forest starts from.
	InitialPrediction(targets []float64) []float64
	// Gradient writes the gradient and diagonal Hessian of the loss at
	// prediction for target into grad and hess.
	Gradient(prediction []float64, target float64, grad, hess []float64)
	// Value is the loss at prediction for target.
	Value(prediction []float64, target float64) float64
	// Transform maps raw scores to the output scale: the predicted value for
	// regression, class probabilities for classification.
	Transform(prediction []float64) []float64
	// Parameter is the loss function parameter, or 0 if there is none.
	Parameter() float64
}

// NewLoss creates the loss of the given type. parameter is the MSLE offset or
// the pseudo-Huber delta; a non-positive value selects the default of 1.
// numberClasses is only used by classification losses.
func NewLoss(lossType LossType, parameter float64, numberClasses int) (Loss, error) {
	if parameter <= 0 {
		parameter = 1
	}
	switch lossType {
	case MseRegression:
		return mse{}, nil
	case MsleRegression:
		return msle{offset: parameter}, nil
	case PseudoHuberRegression:
		return pseudoHuber{delta: parameter}, nil
	case BinomialLogisticRegression:
		return binomialLogistic{}, nil
	case MultinomialLogisticRegression:
		if numberClasses < 3 {
			return nil, errors.Newf("boostedtree: multinomial loss needs at least 3 classes, got %d", numberClasses)
		}
		return multinomialLogistic{classes: numberClasses}, nil
	default:
		return nil, errors.Newf("boostedtree: unknown loss type %d", lossType)
	}
}

// ClassificationLoss picks the binomial loss for two classes and the
// multinomial loss otherwise.
func ClassificationLoss(numberClasses int) (Loss, error) {
	if numberClasses <= 2 {
		return NewLoss(BinomialLogisticRegression, 0, numberClasses)
	}
	return NewLoss(MultinomialLogisticRegression, 0, numberClasses)
}

type mse struct{}

func (mse) Type() LossType     { return MseRegression }
func (mse) Dimension() int     { return 1 }
func (mse) Parameter() float64 { return 0 }

func (mse) InitialPrediction(targets []float64) []float64 {
	if len(targets) == 0 {
		return []float64{0}
	}
	return []float64{stat.Mean(targets, nil)}
}

func (mse) Gradient(prediction []float64, target float64, grad, hess []float64) {
	grad[0] = prediction[0] - target
	hess[0] = 1
}

func (mse) Value(prediction []float64, target float64) float64 {
	diff := prediction[0] - target
	return diff * diff
}

func (mse) Transform(prediction []float64) []float64 {
	return []float64{prediction[0]}
}

// msle fits log(target + offset) with squared error. Predictions are made in
// log space and exponentiated, which is why the exported model aggregates with
// the exponent function.
type msle struct {
	offset float64
}

func (l msle) Type() LossType     { return MsleRegression }
func (l msle) Dimension() int     { return 1 }
func (l msle) Parameter() float64 { return l.offset }

func (l msle) logTarget(target float64) float64 {
	return math.Log(math.Max(target+l.offset, l.offset))
}

func (l msle) InitialPrediction(targets []float64) []float64 {
	if len(targets) == 0 {
		return []float64{0}
	}
	logs := make([]float64, len(targets))
	for i, target := range targets {
		logs[i] = l.logTarget(target)
	}
	return []float64{stat.Mean(logs, nil)}
}

func (l msle) Gradient(prediction []float64, target float64, grad, hess []float64) {
	grad[0] = prediction[0] - l.logTarget(target)
	hess[0] = 1
}

func (l msle) Value(prediction []float64, target float64) float64 {
	diff := prediction[0] - l.logTarget(target)
	return diff * diff
}

func (l msle) Transform(prediction []float64) []float64 {
	return []float64{math.Exp(prediction[0]) - l.offset}
}

type pseudoHuber struct {
	delta float64
}

func (l pseudoHuber) Type() LossType     { return PseudoHuberRegression }
func (l pseudoHuber) Dimension() int     { return 1 }
func (l pseudoHuber) Parameter() float64 { return l.delta }

func (l pseudoHuber) InitialPrediction(targets []float64) []float64 {
	if len(targets) == 0 {
		return []float64{0}
	}
	return []float64{stat.Mean(targets, nil)}
}

func (l pseudoHuber) Gradient(prediction []float64, target float64, grad, hess []float64) {
	diff := prediction[0] - target
	scale := 1 + (diff/l.delta)*(diff/l.delta)
	grad[0] = diff / math.Sqrt(scale)
	hess[0] = math.Max(1/(scale*math.Sqrt(scale)), minHessian)
}

func (l pseudoHuber) Value(prediction []float64, target float64) float64 {
	diff := (prediction[0] - target) / l.delta
	return l.delta * l.delta * (math.Sqrt(1+diff*diff) - 1)
}

func (l pseudoHuber) Transform(prediction []float64) []float64 {
	return []float64{prediction[0]}
}

// binomialLogistic predicts the log-odds of class one.
type binomialLogistic struct{}

func (binomialLogistic) Type() LossType     { return BinomialLogisticRegression }
func (binomialLogistic) Dimension() int     { return 1 }
func (binomialLogistic) Parameter() float64 { return 0 }

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func (binomialLogistic) InitialPrediction(targets []float64) []float64 {
	if len(targets) == 0 {
		return []float64{0}
	}
	p := math.Min(math.Max(stat.Mean(targets, nil), 1e-6), 1-1e-6)
	return []float64{math.Log(p / (1 - p))}
}

func (binomialLogistic) Gradient(prediction []float64, target float64, grad, hess []float64) {
	p := sigmoid(prediction[0])
	grad[0] = p - target
	hess[0] = math.Max(p*(1-p), minHessian)
}

func (binomialLogistic) Value(prediction []float64, target float64) float64 {
	p := math.Min(math.Max(sigmoid(prediction[0]), 1e-15), 1-1e-15)
	if target > 0.5 {
		return -math.Log(p)
	}
	return -math.Log(1 - p)
}

func (binomialLogistic) Transform(prediction []float64) []float64 {
	p := sigmoid(prediction[0])
	return []float64{1 - p, p}
}

// multinomialLogistic predicts one logit per class and uses softmax.
type multinomialLogistic struct {
	classes int
}

func (l multinomialLogistic) Type() LossType     { return MultinomialLogisticRegression }
func (l multinomialLogistic) Dimension() int     { return l.classes }
func (l multinomialLogistic) Parameter() float64 { return 0 }

func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	probabilities := make([]float64, len(logits))
	for k, logit := range logits {
		probabilities[k] = math.Exp(logit - lse)
	}
	return probabilities
}

func (l multinomialLogistic) InitialPrediction(targets []float64) []float64 {
	counts := make([]float64, l.classes)
	for _, target := range targets {
		if k := int(target); k >= 0 && k < l.classes {
			counts[k]++
		}
	}
	prediction := make([]float64, l.classes)
	for k := range counts {
		prediction[k] = math.Log((counts[k] + 1) / (float64(len(targets)) + float64(l.classes)))
	}
	return prediction
}

func (l multinomialLogistic) Gradient(prediction []float64, target float64, grad, hess []float64) {
	probabilities := softmax(prediction)
	for k, p := range probabilities {
		grad[k] = p
		if k == int(target) {
			grad[k] = p - 1
		}
		hess[k] = math.Max(p*(1-p), minHessian)
	}
}

func (l multinomialLogistic) Value(prediction []float64, target float64) float64 {
	k := int(target)
	if k < 0 || k >= l.classes {
		return 0
	}
	return floats.LogSumExp(prediction) - prediction[k]
}

func (l multinomialLogistic) Transform(prediction []float64) []float64 {
	return softmax(prediction)
}
