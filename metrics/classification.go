package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

const probabilityEpsilon = 1e-15

// Accuracy is the fraction of rows whose predicted class equals the actual
// class. Classes are compared as ordinals.
func Accuracy(yTrue, yPred *mat.VecDense) (float64, error) {
	n, err := checkPair("Accuracy", yTrue, yPred)
	if err != nil {
		return 0, err
	}
	correct := 0
	for i := 0; i < n; i++ {
		if yTrue.AtVec(i) == yPred.AtVec(i) {
			correct++
		}
	}
	return float64(correct) / float64(n), nil
}

// BinaryLogLoss is the cross entropy of the predicted probability of class one.
func BinaryLogLoss(yTrue, yProb *mat.VecDense) (float64, error) {
	n, err := checkPair("BinaryLogLoss", yTrue, yProb)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		p := math.Min(math.Max(yProb.AtVec(i), probabilityEpsilon), 1-probabilityEpsilon)
		switch yTrue.AtVec(i) {
		case 1:
			sum -= math.Log(p)
		case 0:
			sum -= math.Log(1 - p)
		default:
			return 0, errors.Newf("BinaryLogLoss: label %v is not binary", yTrue.AtVec(i))
		}
	}
	return sum / float64(n), nil
}

// MulticlassLogLoss is the cross entropy of class probabilities. Row i of
// probabilities holds the probabilities of each class for row i of yTrue.
func MulticlassLogLoss(yTrue *mat.VecDense, probabilities *mat.Dense) (float64, error) {
	if yTrue == nil || probabilities == nil || yTrue.IsEmpty() || probabilities.IsEmpty() {
		return 0, errors.Wrap(errors.ErrEmptyData, "MulticlassLogLoss")
	}
	rows, classes := probabilities.Dims()
	if rows != yTrue.Len() {
		return 0, errors.NewShapeMismatchError("MulticlassLogLoss", yTrue.Len(), rows, 0)
	}
	var sum float64
	for i := 0; i < rows; i++ {
		k := int(yTrue.AtVec(i))
		if k < 0 || k >= classes {
			return 0, errors.Newf("MulticlassLogLoss: label %d out of range [0, %d)", k, classes)
		}
		sum -= math.Log(math.Max(probabilities.At(i, k), probabilityEpsilon))
	}
	return sum / float64(rows), nil
}

// AUC is the area under the ROC curve of a binary classifier. Ties in the
// scores count one half. It is 0.5 when only one class is present.
func AUC(yTrue, yScore *mat.VecDense) (float64, error) {
	n, err := checkPair("AUC", yTrue, yScore)
	if err != nil {
		return 0, err
	}

	type scored struct {
		score    float64
		positive bool
	}
	rows := make([]scored, n)
	positives := 0
	for i := 0; i < n; i++ {
		switch yTrue.AtVec(i) {
		case 0:
		case 1:
			rows[i].positive = true
			positives++
		default:
			return 0, errors.Newf("AUC: label %v is not binary", yTrue.AtVec(i))
		}
		rows[i].score = yScore.AtVec(i)
	}
	negatives := n - positives
	if positives == 0 || negatives == 0 {
		return 0.5, nil
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].score < rows[j].score })

	// Mann-Whitney U with average ranks for ties.
	rankSum := 0.0
	for i := 0; i < n; {
		j := i
		for j < n && rows[j].score == rows[i].score {
			j++
		}
		averageRank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if rows[k].positive {
				rankSum += averageRank
			}
		}
		i = j
	}
	u := rankSum - float64(positives*(positives+1))/2
	return u / float64(positives*negatives), nil
}
