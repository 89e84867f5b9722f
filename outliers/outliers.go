// Package outliers scores how unusual each row of a table is relative to its
// nearest neighbours.
//
// Scores from one or more nearest neighbour methods are mapped to the
// probability that a row is an outlier, calibrated so that rows at the median
// score get the prior outlier fraction and rows at the (1 - fraction) quantile
// get one half. The ensemble averages the probabilities of every method.
package outliers

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/dfanalytics/core/parallel"
	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
	"github.com/YuminosukeSato/dfanalytics/preprocessing"
)

// Method is a nearest neighbour scoring method.
type Method string

const (
	// Ensemble averages all methods.
	Ensemble Method = ""
	// LOF is the local outlier factor.
	LOF Method = "lof"
	// LDOF is the local distance-based outlier factor.
	LDOF Method = "ldof"
	// DistanceKthNN is the distance to the k-th nearest neighbour.
	DistanceKthNN Method = "distance_kth_nn"
	// DistanceKNN is the mean distance to the k nearest neighbours.
	DistanceKNN Method = "distance_knn"
)

var allMethods = []Method{LOF, LDOF, DistanceKthNN, DistanceKNN}

// ParseMethod validates a method name. The empty name selects the ensemble.
func ParseMethod(name string) (Method, error) {
	method := Method(name)
	if method == Ensemble {
		return Ensemble, nil
	}
	for _, m := range allMethods {
		if m == method {
			return method, nil
		}
	}
	return "", errors.NewInvalidSpecificationError("method",
		"must be one of lof, ldof, distance_kth_nn or distance_knn", name)
}

// Defaults.
const (
	DefaultFeatureInfluenceThreshold = 0.1
	DefaultOutlierFraction           = 0.05
	blockRows                        = 256
)

// Parameters configure Compute.
type Parameters struct {
	Method Method
	// NumberNeighbours is k. Zero selects a value from the number of rows.
	NumberNeighbours        int
	ComputeFeatureInfluence bool
	OutlierFraction         float64
	StandardizeColumns      bool
	Threads                 int
}

// DefaultParameters returns the parameters used when none are supplied.
func DefaultParameters() Parameters {
	return Parameters{
		Method:                  Ensemble,
		ComputeFeatureInfluence: true,
		OutlierFraction:         DefaultOutlierFraction,
		StandardizeColumns:      true,
		Threads:                 1,
	}
}

// Neighbours returns k for rows points.
func (p Parameters) Neighbours(rows int) int {
	k := p.NumberNeighbours
	if k <= 0 {
		k = min(max(int(math.Sqrt(float64(rows))/2), 5), 100)
	}
	return max(min(k, rows-1), 1)
}

// Result holds the score of every row and, if requested, the influence of
// every column on that score. The influences of a row sum to one.
type Result struct {
	Scores    []float64
	Influence [][]float64
}

// Option configures Compute.
type Option func(*computation)

// WithProgress receives progress fractions.
func WithProgress(record func(float64)) Option {
	return func(c *computation) { c.progress = record }
}

// WithMemoryCallback receives changes in memory usage.
func WithMemoryCallback(update func(delta int64)) Option {
	return func(c *computation) { c.memory = update }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *computation) { c.logger = logger }
}

type computation struct {
	params     Parameters
	points     *mat.Dense
	k          int
	neighbours [][]int
	distances  [][]float64
	progress   func(float64)
	memory     func(int64)
	logger     log.Logger
}

// EstimateMemoryUsage estimates the peak memory Compute uses for the given
// shape.
func EstimateMemoryUsage(rows, cols int, params Parameters) int64 {
	k := int64(params.Neighbours(rows))
	points := int64(rows) * int64(cols) * 8
	neighbours := int64(rows) * k * 16
	scores := int64(rows) * int64(len(allMethods)) * 8
	influence := int64(0)
	if params.ComputeFeatureInfluence {
		influence = int64(rows) * int64(cols) * 8
	}
	return points + neighbours + scores + influence
}

// Compute scores the rows of data. Missing values are replaced by the column
// mean.
func Compute(data mat.Matrix, params Parameters, opts ...Option) (*Result, error) {
	rows, cols := data.Dims()
	if rows == 0 || cols == 0 {
		return nil, errors.ErrEmptyData
	}
	if _, err := ParseMethod(string(params.Method)); err != nil {
		return nil, err
	}
	if params.OutlierFraction <= 0 || params.OutlierFraction >= 1 {
		return nil, errors.NewInvalidSpecificationError("outlier_fraction", "must be in (0, 1)", params.OutlierFraction)
	}

	c := &computation{params: params, logger: log.GetLoggerWithName("outliers")}
	for _, opt := range opts {
		opt(c)
	}

	scaler := preprocessing.NewStandardScaler(true, params.StandardizeColumns)
	points, err := scaler.FitTransform(data)
	if err != nil {
		return nil, err
	}
	points.Apply(func(_, _ int, v float64) float64 {
		if math.IsNaN(v) {
			return 0
		}
		return v
	}, points)
	c.points = points

	estimate := EstimateMemoryUsage(rows, cols, params)
	c.reportMemory(estimate)
	defer c.reportMemory(-estimate)

	result := &Result{Scores: make([]float64, rows)}
	if rows == 1 {
		return result, nil
	}

	c.k = params.Neighbours(rows)
	c.logger.Debug("Computing outlier scores",
		log.RowsKey, rows, log.ColumnsKey, cols, "method", string(params.Method), "k", c.k)
	if err := c.findNeighbours(); err != nil {
		return nil, err
	}

	methods := allMethods
	if params.Method != Ensemble {
		methods = []Method{params.Method}
	}
	for _, method := range methods {
		probabilities := c.probabilities(c.rawScores(method))
		for i, p := range probabilities {
			result.Scores[i] += p / float64(len(methods))
		}
	}

	if params.ComputeFeatureInfluence {
		result.Influence = c.influence()
	}
	return result, nil
}

func (c *computation) reportMemory(delta int64) {
	if c.memory != nil {
		c.memory(delta)
	}
}

// findNeighbours finds the k nearest neighbours of every point by exhaustive
// search. Progress is reported per block of rows.
func (c *computation) findNeighbours() error {
	rows, _ := c.points.Dims()
	c.neighbours = make([][]int, rows)
	c.distances = make([][]float64, rows)

	progress := instrumentation.NewLoopProgress(rows, c.progress)
	for begin := 0; begin < rows; begin += blockRows {
		end := min(begin+blockRows, rows)
		err := parallel.Parallelize(c.params.Threads, end-begin, func(start, stop int) error {
			for i := begin + start; i < begin+stop; i++ {
				c.neighbours[i], c.distances[i] = c.nearest(i)
			}
			return nil
		})
		if err != nil {
			return err
		}
		progress.Increment(end - begin)
	}
	progress.Finish()
	return nil
}

// nearest returns the k nearest neighbours of point i, closest first.
func (c *computation) nearest(i int) ([]int, []float64) {
	rows, _ := c.points.Dims()
	point := c.points.RawRowView(i)
	indices := make([]int, 0, c.k+1)
	distances := make([]float64, 0, c.k+1)
	for j := 0; j < rows; j++ {
		if j == i {
			continue
		}
		d := floats.Distance(point, c.points.RawRowView(j), 2)
		if len(indices) == c.k && d >= distances[c.k-1] {
			continue
		}
		at := sort.SearchFloat64s(distances, d)
		for at < len(distances) && distances[at] == d {
			at++
		}
		indices = append(indices, 0)
		distances = append(distances, 0)
		copy(indices[at+1:], indices[at:])
		copy(distances[at+1:], distances[at:])
		indices[at], distances[at] = j, d
		if len(indices) > c.k {
			indices, distances = indices[:c.k], distances[:c.k]
		}
	}
	return indices, distances
}

func (c *computation) rawScores(method Method) []float64 {
	rows := len(c.neighbours)
	scores := make([]float64, rows)
	switch method {
	case DistanceKthNN:
		for i := range scores {
			scores[i] = c.distances[i][len(c.distances[i])-1]
		}
	case DistanceKNN:
		for i := range scores {
			scores[i] = stat.Mean(c.distances[i], nil)
		}
	case LDOF:
		for i := range scores {
			scores[i] = c.ldof(i)
		}
	case LOF:
		lrd := make([]float64, rows)
		for i := range lrd {
			reachability := 0.0
			for n, o := range c.neighbours[i] {
				reachability += math.Max(c.kDistance(o), c.distances[i][n])
			}
			reachability /= float64(len(c.neighbours[i]))
			lrd[i] = 1 / math.Max(reachability, 1e-12)
		}
		for i := range scores {
			mean := 0.0
			for _, o := range c.neighbours[i] {
				mean += lrd[o]
			}
			scores[i] = mean / float64(len(c.neighbours[i])) / lrd[i]
		}
	}
	return scores
}

func (c *computation) kDistance(i int) float64 {
	return c.distances[i][len(c.distances[i])-1]
}

// ldof is the mean distance to the neighbours over the mean distance between
// them.
func (c *computation) ldof(i int) float64 {
	neighbours := c.neighbours[i]
	inner, pairs := 0.0, 0
	for a := 0; a < len(neighbours); a++ {
		for b := 0; b < a; b++ {
			inner += floats.Distance(c.points.RawRowView(neighbours[a]), c.points.RawRowView(neighbours[b]), 2)
			pairs++
		}
	}
	if pairs == 0 || inner == 0 {
		return 0
	}
	return stat.Mean(c.distances[i], nil) / (inner / float64(pairs))
}

// probabilities maps raw scores to outlier probabilities with a logistic
// curve through (median, fraction) and (quantile(1 - fraction), 0.5).
func (c *computation) probabilities(scores []float64) []float64 {
	fraction := c.params.OutlierFraction
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	threshold := stat.Quantile(1-fraction, stat.Empirical, sorted, nil)

	width := (threshold - median) / math.Log((1-fraction)/fraction)
	if width <= 0 {
		width = math.Max(stat.StdDev(sorted, nil), 1e-12)
	}

	probabilities := make([]float64, len(scores))
	for i, s := range scores {
		probabilities[i] = 1 / (1 + math.Exp(-(s-threshold)/width))
	}
	return probabilities
}

// influence attributes each point's score to the columns in proportion to
// how far the point is from its neighbours' centroid along each column.
func (c *computation) influence() [][]float64 {
	rows, cols := c.points.Dims()
	influence := make([][]float64, rows)
	for i := range influence {
		row := make([]float64, cols)
		point := c.points.RawRowView(i)
		for _, o := range c.neighbours[i] {
			neighbour := c.points.RawRowView(o)
			for j := range row {
				row[j] += neighbour[j]
			}
		}
		total := 0.0
		for j := range row {
			row[j] = math.Abs(point[j] - row[j]/float64(len(c.neighbours[i])))
			total += row[j]
		}
		if total > 0 {
			floats.Scale(1/total, row)
		} else {
			for j := range row {
				row[j] = 1 / float64(cols)
			}
		}
		influence[i] = row
	}
	return influence
}
