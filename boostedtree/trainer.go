package boostedtree

import (
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dfanalytics/core/parallel"
	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// Task names reported through WithTaskCallback.
const (
	TaskEncodingFeatures = "encoding_features"
	TaskFinalTraining    = "final_training"
)

const (
	// earlyStoppingPatience is the number of trees without validation loss
	// improvement after which training stops.
	earlyStoppingPatience = 5
	minimumLeafRows       = 1
	splitEpsilon          = 1e-10
)

// Parameters are the training hyperparameters. Supplied records which values
// were given explicitly rather than defaulted.
type Parameters struct {
	Eta                  float64
	Lambda               float64
	Gamma                float64
	Alpha                float64
	MaxTrees             int
	SoftTreeDepthLimit   float64
	FeatureBagFraction   float64
	EarlyStoppingEnabled bool
	Seed                 uint64
	Supplied             map[string]bool
}

// DefaultParameters returns the parameters used when none are supplied.
func DefaultParameters() Parameters {
	return Parameters{
		Eta:                  0.1,
		Lambda:               1,
		Gamma:                0,
		Alpha:                0,
		MaxTrees:             50,
		SoftTreeDepthLimit:   4,
		FeatureBagFraction:   1,
		EarlyStoppingEnabled: true,
		Supplied:             map[string]bool{},
	}
}

// Validate checks the parameter ranges.
func (p Parameters) Validate() error {
	switch {
	case p.Eta <= 0 || p.Eta > 1:
		return errors.NewInvalidSpecificationError("eta", "must be in (0, 1]", p.Eta)
	case p.Lambda < 0:
		return errors.NewInvalidSpecificationError("lambda", "must be non-negative", p.Lambda)
	case p.Gamma < 0:
		return errors.NewInvalidSpecificationError("gamma", "must be non-negative", p.Gamma)
	case p.Alpha < 0:
		return errors.NewInvalidSpecificationError("alpha", "must be non-negative", p.Alpha)
	case p.MaxTrees < 1 || p.MaxTrees > 2000:
		return errors.NewInvalidSpecificationError("max_trees", "must be in [1, 2000]", p.MaxTrees)
	case p.SoftTreeDepthLimit < 0:
		return errors.NewInvalidSpecificationError("soft_tree_depth_limit", "must be non-negative", p.SoftTreeDepthLimit)
	case p.FeatureBagFraction <= 0 || p.FeatureBagFraction > 1:
		return errors.NewInvalidSpecificationError("feature_bag_fraction", "must be in (0, 1]", p.FeatureBagFraction)
	}
	return nil
}

// MaxDepth is the hard depth limit derived from the soft limit.
func (p Parameters) MaxDepth() int {
	return max(1, int(math.Ceil(p.SoftTreeDepthLimit)))
}

// Hyperparameters lists the parameters as reported in statistics and model
// metadata.
func (p Parameters) Hyperparameters() []Hyperparameter {
	return []Hyperparameter{
		{Name: "alpha", Value: p.Alpha, Supplied: p.Supplied["alpha"]},
		{Name: "lambda", Value: p.Lambda, Supplied: p.Supplied["lambda"]},
		{Name: "gamma", Value: p.Gamma, Supplied: p.Supplied["gamma"]},
		{Name: "eta", Value: p.Eta, Supplied: p.Supplied["eta"]},
		{Name: "feature_bag_fraction", Value: p.FeatureBagFraction, Supplied: p.Supplied["feature_bag_fraction"]},
		{Name: "max_trees", Value: float64(p.MaxTrees), Supplied: p.Supplied["max_trees"]},
		{Name: "soft_tree_depth_limit", Value: p.SoftTreeDepthLimit, Supplied: p.Supplied["soft_tree_depth_limit"]},
	}
}

// Data is the training data. Rows whose target is missing are ignored.
type Data struct {
	// Raw holds one row per matrix row including the dependent variable.
	// Categorical values are ordinals.
	Raw               *mat.Dense
	DependentVariable int
	// NumberCategories is the number of categories of each column, 0 for
	// numeric columns.
	NumberCategories []int
	// Exclude lists columns which are not model inputs.
	Exclude        map[int]bool
	TrainRows      []int
	ValidationRows []int
	// NumberClasses is the number of classes for classification.
	NumberClasses         int
	ClassificationWeights []float64
}

// IterationStats describes one boosting iteration.
type IterationStats struct {
	Iteration      int
	Trees          int
	TrainLoss      float64
	ValidationLoss float64
	Elapsed        time.Duration
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithThreads bounds the split search parallelism.
func WithThreads(threads int) Option {
	return func(t *Trainer) { t.threads = threads }
}

// WithProgress receives progress fractions of the current task.
func WithProgress(record func(float64)) Option {
	return func(t *Trainer) { t.progress = record }
}

// WithTaskCallback is called whenever training starts a new task.
func WithTaskCallback(start func(task string)) Option {
	return func(t *Trainer) { t.startTask = start }
}

// WithIterationCallback is called after every tree.
func WithIterationCallback(callback func(IterationStats)) Option {
	return func(t *Trainer) { t.onIteration = callback }
}

// WithMemoryCallback receives changes in the trainer's memory usage.
func WithMemoryCallback(update func(delta int64)) Option {
	return func(t *Trainer) { t.memory = update }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(t *Trainer) { t.logger = logger }
}

// Trainer grows a forest by gradient boosting with exact greedy splits.
type Trainer struct {
	params      Parameters
	lossType    LossType
	lossParam   float64
	threads     int
	progress    func(float64)
	startTask   func(string)
	onIteration func(IterationStats)
	memory      func(int64)
	logger      log.Logger
}

// NewTrainer creates a Trainer for the given loss.
func NewTrainer(params Parameters, lossType LossType, lossParameter float64, opts ...Option) *Trainer {
	t := &Trainer{
		params:    params,
		lossType:  lossType,
		lossParam: lossParameter,
		threads:   1,
		logger:    log.GetLoggerWithName("boostedtree.trainer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Trainer) reportProgress(fraction float64) {
	if t.progress != nil {
		t.progress(fraction)
	}
}

func (t *Trainer) reportTask(task string) {
	if t.startTask != nil {
		t.startTask(task)
	}
}

func (t *Trainer) reportMemory(delta int64) {
	if t.memory != nil {
		t.memory(delta)
	}
}

// Train fits a forest to in.
func (t *Trainer) Train(in Data) (*Forest, error) {
	if err := t.params.Validate(); err != nil {
		return nil, err
	}
	if in.Raw == nil {
		return nil, errors.ErrEmptyData
	}
	rows, cols := in.Raw.Dims()
	if in.DependentVariable < 0 || in.DependentVariable >= cols {
		return nil, errors.NewInvalidSpecificationError("dependent_variable", "is not a column", in.DependentVariable)
	}

	loss, err := NewLoss(t.lossType, t.lossParam, in.NumberClasses)
	if err != nil {
		return nil, err
	}

	targets := mat.Col(nil, in.DependentVariable, in.Raw)
	trainRows := withTarget(in.TrainRows, targets, rows)
	validationRows := withTarget(in.ValidationRows, targets, rows)
	if len(trainRows) == 0 {
		return nil, errors.ErrEmptyData
	}

	t.reportTask(TaskEncodingFeatures)
	encoder := NewEncoder(EncoderInput{
		Data:              in.Raw,
		DependentVariable: in.DependentVariable,
		NumberCategories:  in.NumberCategories,
		TrainRows:         trainRows,
		Targets:           encodingTargets(loss, targets, trainRows),
		Exclude:           in.Exclude,
	})
	if encoder.NumberFeatures() == 0 {
		return nil, errors.NewInvalidSpecificationError("cols", "no feature columns to train on", cols)
	}
	features := encoder.EncodeAll(in.Raw)
	t.reportProgress(1)

	dimension := loss.Dimension()
	workingMemory := int64(rows)*int64(encoder.NumberFeatures())*8 + int64(rows)*int64(dimension)*8*3
	t.reportMemory(workingMemory)
	defer t.reportMemory(-workingMemory)

	t.logger.Info("Training boosted tree forest",
		log.TrainingRowsKey, len(trainRows),
		"validation_rows", len(validationRows),
		"features", encoder.NumberFeatures(),
		log.LossTypeKey, loss.Type().String(),
		"max_trees", t.params.MaxTrees,
	)

	t.reportTask(TaskFinalTraining)
	trainTargets := make([]float64, len(trainRows))
	for i, row := range trainRows {
		trainTargets[i] = targets[row]
	}
	initial := loss.InitialPrediction(trainTargets)

	forest := &Forest{
		LossType:              loss.Type(),
		LossParameter:         loss.Parameter(),
		NumberClasses:         in.NumberClasses,
		Encoder:               encoder,
		Trees:                 []*Tree{newLeafTree(initial, len(trainRows))},
		ClassificationWeights: in.ClassificationWeights,
		Hyperparameters:       t.params.Hyperparameters(),
		NumberTrainRows:       len(trainRows),
		loss:                  loss,
	}

	g := &growth{
		trainer:     t,
		loss:        loss,
		features:    features,
		targets:     targets,
		dimension:   dimension,
		train:       trainRows,
		validation:  validationRows,
		predictions: make([]float64, rows*dimension),
		gradients:   make([]float64, rows*dimension),
		hessians:    make([]float64, rows*dimension),
		rng:         rand.New(rand.NewPCG(t.params.Seed, t.params.Seed^0x9e3779b97f4a7c15)),
	}
	for _, row := range append(append([]int(nil), trainRows...), validationRows...) {
		copy(g.predictions[row*dimension:(row+1)*dimension], initial)
	}

	progress := instrumentation.NewLoopProgress(t.params.MaxTrees, t.reportProgress)
	bestLoss, bestTrees, sinceBest := math.Inf(1), 1, 0
	earlyStopping := t.params.EarlyStoppingEnabled && len(validationRows) > 0
	for iteration := 1; iteration <= t.params.MaxTrees; iteration++ {
		start := time.Now()
		tree, err := g.grow()
		if err != nil {
			return nil, err
		}
		forest.Trees = append(forest.Trees, tree)
		t.reportMemory(tree.memoryUsage())
		if err := g.update(tree); err != nil {
			return nil, err
		}

		forest.TrainLoss = g.meanLoss(trainRows)
		forest.ValidationLoss = forest.TrainLoss
		if len(validationRows) > 0 {
			forest.ValidationLoss = g.meanLoss(validationRows)
		}
		if err := errors.CheckFinite("boostedtree.Train", []float64{forest.TrainLoss, forest.ValidationLoss}); err != nil {
			return nil, err
		}
		progress.Increment(1)
		if t.onIteration != nil {
			t.onIteration(IterationStats{
				Iteration:      iteration,
				Trees:          len(forest.Trees),
				TrainLoss:      forest.TrainLoss,
				ValidationLoss: forest.ValidationLoss,
				Elapsed:        time.Since(start),
			})
		}

		if forest.ValidationLoss < bestLoss {
			bestLoss, bestTrees, sinceBest = forest.ValidationLoss, len(forest.Trees), 0
			continue
		}
		sinceBest++
		if earlyStopping && sinceBest >= earlyStoppingPatience {
			t.logger.Debug("Stopping early", log.IterationKey, iteration, log.TreesKey, bestTrees)
			break
		}
	}
	progress.Finish()

	if earlyStopping && bestTrees < len(forest.Trees) {
		for _, tree := range forest.Trees[bestTrees:] {
			t.reportMemory(-tree.memoryUsage())
		}
		forest.Trees = forest.Trees[:bestTrees]
		forest.ValidationLoss = bestLoss
	}

	t.logger.Info("Finished training",
		log.TreesKey, len(forest.Trees),
		log.LossKey, forest.TrainLoss,
		"validation_loss", forest.ValidationLoss,
	)
	return forest, nil
}

func withTarget(rows []int, targets []float64, numberRows int) []int {
	kept := make([]int, 0, len(rows))
	for _, row := range rows {
		if row >= 0 && row < numberRows && !math.IsNaN(targets[row]) {
			kept = append(kept, row)
		}
	}
	return kept
}

// encodingTargets returns the per row values target mean encoding averages.
// For multiclass problems this is the indicator of the most frequent class.
func encodingTargets(loss Loss, targets []float64, trainRows []int) []float64 {
	if loss.Type() != MultinomialLogisticRegression {
		return targets
	}
	counts := make(map[float64]int)
	majority, best := 0.0, -1
	for _, row := range trainRows {
		counts[targets[row]]++
	}
	for label, count := range counts {
		if count > best || (count == best && label < majority) {
			majority, best = label, count
		}
	}
	indicators := make([]float64, len(targets))
	for i, target := range targets {
		if target == majority {
			indicators[i] = 1
		}
	}
	return indicators
}

// SplitRows deterministically splits rows into a training and a validation
// set. trainingPercent is in (0, 100].
func SplitRows(rows []int, trainingPercent float64, seed uint64) (train, validation []int) {
	if trainingPercent >= 100 {
		return append([]int(nil), rows...), nil
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for _, row := range rows {
		if rng.Float64()*100 < trainingPercent {
			train = append(train, row)
		} else {
			validation = append(validation, row)
		}
	}
	if len(train) == 0 && len(validation) > 0 {
		train, validation = validation[:1], validation[1:]
	}
	return train, validation
}

// EstimateMemoryUsage estimates the peak memory of training on rows rows with
// cols input columns.
func EstimateMemoryUsage(rows, cols, dimension int, params Parameters) int64 {
	const nodeBytes = 80
	features := int64(rows) * int64(cols) * 8
	working := int64(rows) * int64(dimension) * 8 * 3
	indices := int64(rows) * 8 * 2
	nodesPerTree := int64(1)<<(params.MaxDepth()+1) - 1
	forest := int64(params.MaxTrees+1) * nodesPerTree * (nodeBytes + int64(dimension)*8)
	return features + working + indices + forest
}

// growth is the state of one training run.
type growth struct {
	trainer     *Trainer
	loss        Loss
	features    *mat.Dense
	targets     []float64
	dimension   int
	train       []int
	validation  []int
	predictions []float64
	gradients   []float64
	hessians    []float64
	rng         *rand.Rand
}

type split struct {
	feature     int
	threshold   float64
	missingLeft bool
	gain        float64
	valid       bool
}

func (g *growth) prediction(row int) []float64 {
	return g.predictions[row*g.dimension : (row+1)*g.dimension]
}

func (g *growth) computeGradients() error {
	return parallel.ParallelizeWithThreshold(g.trainer.threads, len(g.train), 1024, func(start, end int) error {
		for _, row := range g.train[start:end] {
			offset := row * g.dimension
			g.loss.Gradient(g.prediction(row), g.targets[row],
				g.gradients[offset:offset+g.dimension], g.hessians[offset:offset+g.dimension])
		}
		return nil
	})
}

func (g *growth) baggedFeatures() []int {
	_, n := g.features.Dims()
	k := int(math.Ceil(g.trainer.params.FeatureBagFraction * float64(n)))
	if k >= n {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}
	bag := g.rng.Perm(n)[:max(k, 1)]
	sort.Ints(bag)
	return bag
}

// grow builds one tree on the current gradients.
func (g *growth) grow() (*Tree, error) {
	if err := g.computeGradients(); err != nil {
		return nil, err
	}
	tree := &Tree{}
	bag := g.baggedFeatures()
	if _, err := g.buildNode(tree, append([]int(nil), g.train...), bag, 0); err != nil {
		return nil, err
	}
	return tree, nil
}

func (g *growth) sums(rows []int) (grad, hess []float64) {
	grad = make([]float64, g.dimension)
	hess = make([]float64, g.dimension)
	for _, row := range rows {
		offset := row * g.dimension
		for k := 0; k < g.dimension; k++ {
			grad[k] += g.gradients[offset+k]
			hess[k] += g.hessians[offset+k]
		}
	}
	return grad, hess
}

// softThreshold applies the L1 penalty to a gradient sum.
func (g *growth) softThreshold(grad float64) float64 {
	alpha := g.trainer.params.Alpha
	switch {
	case grad > alpha:
		return grad - alpha
	case grad < -alpha:
		return grad + alpha
	default:
		return 0
	}
}

func (g *growth) score(grad, hess []float64) float64 {
	score := 0.0
	for k := range grad {
		thresholded := g.softThreshold(grad[k])
		score += thresholded * thresholded / (hess[k] + g.trainer.params.Lambda + splitEpsilon)
	}
	return score
}

func (g *growth) nodeValue(grad, hess []float64) []float64 {
	value := make([]float64, len(grad))
	for k := range grad {
		value[k] = -g.trainer.params.Eta * g.softThreshold(grad[k]) /
			(hess[k] + g.trainer.params.Lambda + splitEpsilon)
	}
	return value
}

func (g *growth) buildNode(tree *Tree, rows, bag []int, depth int) (int, error) {
	index := len(tree.Nodes)
	grad, hess := g.sums(rows)
	tree.Nodes = append(tree.Nodes, Node{
		Value:         g.nodeValue(grad, hess),
		NumberSamples: len(rows),
		LeftChild:     NoChild,
		RightChild:    NoChild,
	})

	if depth >= g.trainer.params.MaxDepth() || len(rows) < 2*minimumLeafRows {
		return index, nil
	}
	best, err := g.findBestSplit(rows, bag, grad, hess)
	if err != nil {
		return 0, err
	}
	if !best.valid || best.gain <= 0 {
		return index, nil
	}

	left, right := make([]int, 0, len(rows)), make([]int, 0, len(rows))
	for _, row := range rows {
		value := g.features.At(row, best.feature)
		if (math.IsNaN(value) && best.missingLeft) || value <= best.threshold {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	leftChild, err := g.buildNode(tree, left, bag, depth+1)
	if err != nil {
		return 0, err
	}
	rightChild, err := g.buildNode(tree, right, bag, depth+1)
	if err != nil {
		return 0, err
	}
	node := &tree.Nodes[index]
	node.SplitFeature = best.feature
	node.Threshold = best.threshold
	node.AssignMissingToLeft = best.missingLeft
	node.Gain = best.gain
	node.LeftChild = leftChild
	node.RightChild = rightChild
	return index, nil
}

func (g *growth) findBestSplit(rows, bag []int, grad, hess []float64) (split, error) {
	candidates := make([]split, len(bag))
	err := parallel.Parallelize(g.trainer.threads, len(bag), func(start, end int) error {
		for i := start; i < end; i++ {
			candidates[i] = g.findBestSplitForFeature(rows, bag[i], grad, hess)
		}
		return nil
	})
	if err != nil {
		return split{}, err
	}
	best := split{}
	for _, candidate := range candidates {
		if candidate.valid && (!best.valid || candidate.gain > best.gain) {
			best = candidate
		}
	}
	return best, nil
}

type featureValue struct {
	value float64
	row   int
}

func (g *growth) findBestSplitForFeature(rows []int, feature int, grad, hess []float64) split {
	values := make([]featureValue, 0, len(rows))
	var missing []int
	for _, row := range rows {
		value := g.features.At(row, feature)
		if math.IsNaN(value) {
			missing = append(missing, row)
			continue
		}
		values = append(values, featureValue{value: value, row: row})
	}
	if len(values) < 2 {
		return split{}
	}
	sort.Slice(values, func(i, j int) bool {
		return values[i].value < values[j].value
	})

	missingGrad, missingHess := g.sums(missing)
	parentScore := g.score(grad, hess)
	gamma := g.trainer.params.Gamma

	best := split{feature: feature}
	leftGrad := make([]float64, g.dimension)
	leftHess := make([]float64, g.dimension)
	candidateLeftGrad := make([]float64, g.dimension)
	candidateLeftHess := make([]float64, g.dimension)
	rightGrad := make([]float64, g.dimension)
	rightHess := make([]float64, g.dimension)

	for i := 0; i < len(values)-1; i++ {
		offset := values[i].row * g.dimension
		for k := 0; k < g.dimension; k++ {
			leftGrad[k] += g.gradients[offset+k]
			leftHess[k] += g.hessians[offset+k]
		}
		if values[i].value == values[i+1].value {
			continue
		}

		for _, missingLeft := range []bool{false, true} {
			leftCount := i + 1
			for k := 0; k < g.dimension; k++ {
				candidateLeftGrad[k] = leftGrad[k]
				candidateLeftHess[k] = leftHess[k]
				if missingLeft {
					candidateLeftGrad[k] += missingGrad[k]
					candidateLeftHess[k] += missingHess[k]
				}
				rightGrad[k] = grad[k] - candidateLeftGrad[k]
				rightHess[k] = hess[k] - candidateLeftHess[k]
			}
			if missingLeft {
				if len(missing) == 0 {
					continue
				}
				leftCount += len(missing)
			}
			if leftCount < minimumLeafRows || len(rows)-leftCount < minimumLeafRows {
				continue
			}

			gain := 0.5*(g.score(candidateLeftGrad, candidateLeftHess)+g.score(rightGrad, rightHess)-parentScore) - gamma
			if !best.valid || gain > best.gain {
				best = split{
					feature:     feature,
					threshold:   (values[i].value + values[i+1].value) / 2,
					missingLeft: missingLeft,
					gain:        gain,
					valid:       true,
				}
			}
		}
	}
	return best
}

// update adds tree's predictions for the training and validation rows.
func (g *growth) update(tree *Tree) error {
	for _, rows := range [][]int{g.train, g.validation} {
		err := parallel.ParallelizeWithThreshold(g.trainer.threads, len(rows), 1024, func(start, end int) error {
			for _, row := range rows[start:end] {
				prediction := g.prediction(row)
				for k, v := range tree.Predict(g.features.RawRowView(row)) {
					prediction[k] += v
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *growth) meanLoss(rows []int) float64 {
	if len(rows) == 0 {
		return 0
	}
	total := 0.0
	for _, row := range rows {
		total += g.loss.Value(g.prediction(row), g.targets[row])
	}
	return total / float64(len(rows))
}
