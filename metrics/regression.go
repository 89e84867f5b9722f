// Package metrics computes the evaluation metrics reported for supervised
// analyses on their validation rows.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

func checkPair(op string, yTrue, yPred *mat.VecDense) (int, error) {
	if yTrue == nil || yPred == nil || yTrue.IsEmpty() || yPred.IsEmpty() {
		return 0, errors.Wrap(errors.ErrEmptyData, op)
	}
	n := yTrue.Len()
	if yPred.Len() != n {
		return 0, errors.NewShapeMismatchError(op, n, yPred.Len(), 0)
	}
	return n, nil
}

// MSE is the mean squared error.
func MSE(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("MSE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		diff := yTrue.AtVec(i) - yPred.AtVec(i)
		sum += diff * diff
	}
	return sum / float64(n), nil
}

// RMSE is the root mean squared error.
func RMSE(yTrue, yPred *mat.VecDense) (float64, error) {
	mse, err := MSE(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(mse), nil
}

// MAE is the mean absolute error.
func MAE(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("MAE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(yTrue.AtVec(i) - yPred.AtVec(i))
	}
	return sum / float64(n), nil
}

// MSLE is the mean squared logarithmic error with the given offset. Values
// below -offset are clamped to zero inside the logarithm.
func MSLE(yTrue, yPred *mat.VecDense, offset float64) (float64, error) {
	n, err := checkPair("MSLE", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	if offset <= 0 {
		return 0, errors.NewInvalidSpecificationError("loss_function_parameter", "must be positive", offset)
	}
	var sum float64
	for i := 0; i < n; i++ {
		diff := math.Log(math.Max(yTrue.AtVec(i)+offset, offset)) - math.Log(math.Max(yPred.AtVec(i)+offset, offset))
		sum += diff * diff
	}
	return sum / float64(n), nil
}

// PseudoHuber is the mean pseudo-Huber loss with parameter delta.
func PseudoHuber(yTrue, yPred *mat.VecDense, delta float64) (float64, error) {
	n, err := checkPair("PseudoHuber", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	if delta <= 0 {
		return 0, errors.NewInvalidSpecificationError("loss_function_parameter", "must be positive", delta)
	}
	var sum float64
	for i := 0; i < n; i++ {
		scaled := (yTrue.AtVec(i) - yPred.AtVec(i)) / delta
		sum += delta * delta * (math.Sqrt(1+scaled*scaled) - 1)
	}
	return sum / float64(n), nil
}

// R2Score is the coefficient of determination. It fails when yTrue is
// constant.
func R2Score(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("R2Score", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	mean := stat.Mean(mat.Col(nil, 0, yTrue), nil)

	var tss, rss float64
	for i := 0; i < n; i++ {
		y := yTrue.AtVec(i)
		tss += (y - mean) * (y - mean)
		rss += (y - yPred.AtVec(i)) * (y - yPred.AtVec(i))
	}
	if tss == 0 {
		return 0, errors.Newf("R2Score: total sum of squares is zero")
	}
	return 1 - rss/tss, nil
}
