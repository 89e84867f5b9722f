package instrumentation

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// maxDocumentLine bounds one output line. Compressed model chunks are the
// longest documents.
const maxDocumentLine = 1 << 26

// LossPoint is the validation loss of one fold after one iteration.
type LossPoint struct {
	Iteration int
	Value     float64
}

// ValidationLoss is the validation loss history read back from training
// statistics documents.
type ValidationLoss struct {
	LossType string
	// Folds holds the points of every fold in iteration order.
	Folds map[int][]LossPoint
}

// ReadValidationLoss collects the validation loss of every regression_stats
// and classification_stats document in r. Other documents are skipped.
func ReadValidationLoss(r io.Reader) (*ValidationLoss, error) {
	loss := &ValidationLoss{Folds: make(map[int][]LossPoint)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDocumentLine)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &doc); err != nil {
			return nil, errors.Wrapf(err, "instrumentation: line %d", line)
		}
		for _, tag := range []string{Regression.statsTag(), Classification.statsTag()} {
			raw, ok := doc[tag]
			if !ok {
				continue
			}
			var stats trainStats
			if err := json.Unmarshal(raw, &stats); err != nil {
				return nil, errors.Wrapf(err, "instrumentation: line %d: decode %s", line, tag)
			}
			loss.add(stats)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "instrumentation: read statistics")
	}
	for fold := range loss.Folds {
		points := loss.Folds[fold]
		sort.SliceStable(points, func(i, j int) bool { return points[i].Iteration < points[j].Iteration })
	}
	return loss, nil
}

func (v *ValidationLoss) add(stats trainStats) {
	if stats.ValidationLoss.LossType != "" {
		v.LossType = stats.ValidationLoss.LossType
	}
	for _, fold := range stats.ValidationLoss.FoldValues {
		// The last value is the loss after the iteration.
		if n := len(fold.Values); n > 0 {
			v.Folds[fold.Fold] = append(v.Folds[fold.Fold], LossPoint{Iteration: stats.Iteration, Value: fold.Values[n-1]})
		}
	}
}

// Empty reports whether no loss value was read.
func (v *ValidationLoss) Empty() bool {
	for _, points := range v.Folds {
		if len(points) > 0 {
			return false
		}
	}
	return true
}

// Plot draws one line per fold against the iteration.
func (v *ValidationLoss) Plot() (*plot.Plot, error) {
	if v.Empty() {
		return nil, errors.New("instrumentation: no validation loss to plot")
	}
	p := plot.New()
	p.Title.Text = "Validation loss"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = v.LossType
	if v.LossType == "" {
		p.Y.Label.Text = "Loss"
	}
	p.Add(plotter.NewGrid())

	folds := make([]int, 0, len(v.Folds))
	for fold := range v.Folds {
		folds = append(folds, fold)
	}
	sort.Ints(folds)
	for i, fold := range folds {
		points := v.Folds[fold]
		xys := make(plotter.XYs, len(points))
		for j, point := range points {
			xys[j] = plotter.XY{X: float64(point.Iteration), Y: point.Value}
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "instrumentation: fold %d", fold)
		}
		line.Width = vg.Points(1)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add("fold "+strconv.Itoa(fold), line)
	}
	return p, nil
}

// SavePlot writes the loss plot to path. The extension selects the format.
func (v *ValidationLoss) SavePlot(path string) error {
	p, err := v.Plot()
	if err != nil {
		return err
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "instrumentation: save %s", path)
	}
	return nil
}
