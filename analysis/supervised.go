package analysis

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dfanalytics/boostedtree"
	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/dataframe"
	"github.com/YuminosukeSato/dfanalytics/inference"
	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/metrics"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// Class assignment objectives.
const (
	MaximizeAccuracy      = "maximize_accuracy"
	MaximizeMinimumRecall = "maximize_minimum_recall"
)

const (
	defaultTrainingPercent = 100
	defaultNumTopClasses   = 2
	isTrainingField        = "is_training"
)

type classWeight struct {
	Class  string  `json:"class" validate:"required"`
	Weight float64 `json:"weight" validate:"gt=0"`
}

type supervisedParameters struct {
	DependentVariable             string            `json:"dependent_variable" validate:"required"`
	PredictionFieldName           string            `json:"prediction_field_name"`
	TrainingPercent               *float64          `json:"training_percent" validate:"omitnil,gt=0,lte=100"`
	Eta                           *float64          `json:"eta" validate:"omitnil,gt=0,lte=1"`
	Lambda                        *float64          `json:"lambda" validate:"omitnil,gte=0"`
	Gamma                         *float64          `json:"gamma" validate:"omitnil,gte=0"`
	Alpha                         *float64          `json:"alpha" validate:"omitnil,gte=0"`
	MaxTrees                      *int              `json:"max_trees" validate:"omitnil,gte=1,lte=2000"`
	SoftTreeDepthLimit            *float64          `json:"soft_tree_depth_limit" validate:"omitnil,gte=0"`
	FeatureBagFraction            *float64          `json:"feature_bag_fraction" validate:"omitnil,gt=0,lte=1"`
	NumTopFeatureImportanceValues int               `json:"num_top_feature_importance_values" validate:"gte=0"`
	FeatureProcessors             []json.RawMessage `json:"feature_processors"`
	EarlyStoppingEnabled          *bool             `json:"early_stopping_enabled"`
	RandomizeSeed                 uint64            `json:"randomize_seed"`

	LossFunction          string   `json:"loss_function" validate:"omitempty,oneof=mse msle huber"`
	LossFunctionParameter *float64 `json:"loss_function_parameter" validate:"omitnil,gt=0"`

	NumClasses               int           `json:"num_classes" validate:"omitempty,gte=2,lte=100"`
	NumTopClasses            *int          `json:"num_top_classes" validate:"omitnil,gte=-1"`
	ClassAssignmentObjective string        `json:"class_assignment_objective" validate:"omitempty,oneof=maximize_accuracy maximize_minimum_recall"`
	ClassificationWeights    []classWeight `json:"classification_weights" validate:"dive"`
}

// trainerParameters overlays the supplied hyperparameters on the defaults.
func (p *supervisedParameters) trainerParameters() boostedtree.Parameters {
	params := boostedtree.DefaultParameters()
	params.Seed = p.RandomizeSeed
	params.Supplied = make(map[string]bool)
	setFloat := func(name string, src *float64, dst *float64) {
		if src != nil {
			*dst = *src
			params.Supplied[name] = true
		}
	}
	setFloat("eta", p.Eta, &params.Eta)
	setFloat("lambda", p.Lambda, &params.Lambda)
	setFloat("gamma", p.Gamma, &params.Gamma)
	setFloat("alpha", p.Alpha, &params.Alpha)
	setFloat("soft_tree_depth_limit", p.SoftTreeDepthLimit, &params.SoftTreeDepthLimit)
	setFloat("feature_bag_fraction", p.FeatureBagFraction, &params.FeatureBagFraction)
	if p.MaxTrees != nil {
		params.MaxTrees = *p.MaxTrees
		params.Supplied["max_trees"] = true
	}
	if p.EarlyStoppingEnabled != nil {
		params.EarlyStoppingEnabled = *p.EarlyStoppingEnabled
	}
	return params
}

// supervisedAnalysis trains a boosted tree forest on the rows whose dependent
// variable is present and writes a prediction for every row.
//
// Regression rows carry the prediction and the training flag in their extra
// columns. Classification rows carry one probability per class followed by the
// training flag.
type supervisedAnalysis struct {
	spec           *Specification
	classification bool
	name           string

	dependentName    string
	predictionField  string
	trainingPercent  float64
	params           boostedtree.Parameters
	lossType         boostedtree.LossType
	lossParameter    float64
	numTopImportance int
	customProcessors []json.RawMessage

	numberClasses int
	numTopClasses int
	objective     string
	weights       []classWeight

	inst   *instrumentation.TrainBoostedTreeInstrumentation
	logger log.Logger

	forest    *boostedtree.Forest
	labels    []string
	metadata  *inference.Metadata
	metadataM sync.Mutex
}

func newRegressionAnalysis(spec *Specification, raw json.RawMessage) (Analysis, error) {
	var p supervisedParameters
	if err := decodeParameters(raw, &p); err != nil {
		return nil, err
	}
	if p.NumClasses != 0 || p.ClassAssignmentObjective != "" || len(p.ClassificationWeights) > 0 || p.NumTopClasses != nil {
		return nil, errors.NewInvalidSpecificationError("analysis.parameters",
			"class parameters are only valid for classification", RegressionName)
	}
	if spec.IsCategorical(p.DependentVariable) {
		return nil, errors.NewInvalidSpecificationError("dependent_variable",
			"regression needs a numeric dependent variable", p.DependentVariable)
	}
	lossType, err := boostedtree.ParseRegressionLoss(p.LossFunction)
	if err != nil {
		return nil, err
	}
	a := newSupervisedAnalysis(spec, &p, false)
	a.lossType = lossType
	if p.LossFunctionParameter != nil {
		a.lossParameter = *p.LossFunctionParameter
	} else if lossType == boostedtree.PseudoHuberRegression || lossType == boostedtree.MsleRegression {
		a.lossParameter = 1
	}
	a.inst.SetLossType(lossType.String())
	return a, nil
}

func newClassificationAnalysis(spec *Specification, raw json.RawMessage) (Analysis, error) {
	var p supervisedParameters
	if err := decodeParameters(raw, &p); err != nil {
		return nil, err
	}
	if p.LossFunction != "" || p.LossFunctionParameter != nil {
		return nil, errors.NewInvalidSpecificationError("loss_function",
			"classification always uses cross entropy", p.LossFunction)
	}
	if !spec.IsCategorical(p.DependentVariable) {
		return nil, errors.NewInvalidSpecificationError("dependent_variable",
			"classification needs a categorical dependent variable", p.DependentVariable)
	}
	a := newSupervisedAnalysis(spec, &p, true)
	a.numberClasses = 2
	if p.NumClasses > 0 {
		a.numberClasses = p.NumClasses
	}
	a.numTopClasses = defaultNumTopClasses
	if p.NumTopClasses != nil {
		a.numTopClasses = *p.NumTopClasses
	}
	a.objective = MaximizeMinimumRecall
	if p.ClassAssignmentObjective != "" {
		a.objective = p.ClassAssignmentObjective
	}
	a.weights = p.ClassificationWeights
	a.lossType = boostedtree.BinomialLogisticRegression
	if a.numberClasses > 2 {
		a.lossType = boostedtree.MultinomialLogisticRegression
	}
	a.inst.SetLossType(a.lossType.String())
	return a, nil
}

func newSupervisedAnalysis(spec *Specification, p *supervisedParameters, classification bool) *supervisedAnalysis {
	name, trainType := RegressionName, instrumentation.Regression
	if classification {
		name, trainType = ClassificationName, instrumentation.Classification
	}
	a := &supervisedAnalysis{
		spec:             spec,
		classification:   classification,
		name:             name,
		dependentName:    p.DependentVariable,
		predictionField:  p.PredictionFieldName,
		trainingPercent:  defaultTrainingPercent,
		params:           p.trainerParameters(),
		numTopImportance: p.NumTopFeatureImportanceValues,
		customProcessors: p.FeatureProcessors,
		inst: instrumentation.NewTrainBoostedTree(spec.jobID, spec.memoryLimit, trainType,
			instrumentation.WithCounters(spec.counters, counters.TrainPeakMemoryUsage)),
		logger: spec.logger.With(log.ComponentKey, name, log.DependentFieldKey, p.DependentVariable),
	}
	if a.predictionField == "" {
		a.predictionField = p.DependentVariable + "_prediction"
	}
	if p.TrainingPercent != nil {
		a.trainingPercent = *p.TrainingPercent
	}
	a.inst.SetHyperparameters(reportedHyperparameters(a.params.Hyperparameters()))
	return a
}

func reportedHyperparameters(hyperparameters []boostedtree.Hyperparameter) []instrumentation.Hyperparameter {
	reported := make([]instrumentation.Hyperparameter, len(hyperparameters))
	for i, h := range hyperparameters {
		reported[i] = instrumentation.Hyperparameter{Name: h.Name, Value: h.Value, Supplied: h.Supplied}
	}
	return reported
}

func (a *supervisedAnalysis) dimension() int {
	if a.lossType == boostedtree.MultinomialLogisticRegression {
		return a.numberClasses
	}
	return 1
}

// predictionColumns is the number of extra columns before the training flag.
func (a *supervisedAnalysis) predictionColumns() int {
	if a.classification {
		return a.numberClasses
	}
	return 1
}

func (a *supervisedAnalysis) NumberExtraColumns() int { return a.predictionColumns() + 1 }

func (a *supervisedAnalysis) DataFrameSliceCapacity() int { return dataframe.DefaultSliceCapacity }

func (a *supervisedAnalysis) EstimateBookkeepingMemoryUsage(_, totalRows, _, _ int) int64 {
	return boostedtree.EstimateMemoryUsage(totalRows, a.spec.cols, a.dimension(), a.params)
}

func (a *supervisedAnalysis) Instrumentation() *instrumentation.Instrumentation {
	return a.inst.Instrumentation
}

func (a *supervisedAnalysis) RowsToWriteMask(frame *dataframe.Frame) []bool {
	return allRowsMask(frame)
}

func (a *supervisedAnalysis) Validate(frame *dataframe.Frame) error {
	dependent := frame.ColumnIndex(a.dependentName)
	if dependent < 0 || dependent >= a.spec.cols {
		return errors.NewInvalidSpecificationError("dependent_variable", "is not an input field", a.dependentName)
	}
	if !a.classification {
		return nil
	}
	classes := len(frame.CategoricalValues()[dependent])
	if classes > a.numberClasses {
		return errors.NewInvalidSpecificationError("num_classes",
			"the dependent variable has "+strconv.Itoa(classes)+" classes", a.numberClasses)
	}
	return nil
}

func (a *supervisedAnalysis) RunAnalysis(frame *dataframe.Frame) error {
	cols := a.spec.cols
	rows := frame.NumberRows()
	if rows == 0 {
		return errors.ErrEmptyData
	}
	dependent := frame.ColumnIndex(a.dependentName)
	if dependent < 0 {
		return errors.NewInvalidSpecificationError("dependent_variable", "is not an input field", a.dependentName)
	}

	raw := mat.NewDense(rows, cols, nil)
	bytes := int64(rows) * int64(cols) * 8
	a.inst.UpdateMemoryUsage(bytes)
	defer a.inst.UpdateMemoryUsage(-bytes)
	err := frame.ReadRows(a.spec.threads, 0, rows, nil, func(batch []dataframe.Row) error {
		for _, row := range batch {
			for j := 0; j < cols; j++ {
				raw.Set(row.Index(), j, row.At(j))
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, a.name+": read rows")
	}

	categorical := frame.ColumnIsCategorical()
	categories := frame.CategoricalValues()
	numberCategories := make([]int, cols)
	for c := 0; c < cols; c++ {
		if categorical[c] {
			numberCategories[c] = len(categories[c])
		}
	}

	all := make([]int, rows)
	for i := range all {
		all[i] = i
	}
	trainRows, validationRows := boostedtree.SplitRows(all, a.trainingPercent, a.params.Seed)
	targets := mat.Col(nil, dependent, raw)

	data := boostedtree.Data{
		Raw:               raw,
		DependentVariable: dependent,
		NumberCategories:  numberCategories,
		TrainRows:         trainRows,
		ValidationRows:    validationRows,
	}
	if a.classification {
		a.labels = categories[dependent]
		if len(a.labels) < 2 {
			return errors.NewInvalidSpecificationError("dependent_variable",
				"needs at least two classes", len(a.labels))
		}
		weights, err := a.classWeights(targets, trainRows)
		if err != nil {
			return err
		}
		data.NumberClasses = len(a.labels)
		data.ClassificationWeights = weights
		a.lossType = boostedtree.BinomialLogisticRegression
		if len(a.labels) > 2 {
			a.lossType = boostedtree.MultinomialLogisticRegression
		}
	}

	forest, err := a.restore()
	if err != nil {
		return err
	}
	if forest == nil {
		forest, err = a.train(data)
		if err != nil {
			return err
		}
		a.persist(forest)
	}
	a.forest = forest
	a.spec.counters.Store(counters.TrainedForestNumberTrees, int64(forest.NumberTrees()))
	a.inst.UpdateMemoryUsage(forest.MemoryUsage())

	training := make([]bool, rows)
	for _, row := range trainRows {
		training[row] = !math.IsNaN(targets[row])
	}
	a.metadata = a.newMetadata(frame.ColumnNames()[:cols], forest)
	if err := a.writePredictions(frame, training); err != nil {
		return err
	}
	a.logValidationMetrics(frame, targets, validationRows)
	return nil
}

func (a *supervisedAnalysis) train(data boostedtree.Data) (*boostedtree.Forest, error) {
	trainer := boostedtree.NewTrainer(a.params, a.lossType, a.lossParameter,
		boostedtree.WithThreads(a.spec.threads),
		boostedtree.WithProgress(a.inst.ProgressCallback()),
		boostedtree.WithTaskCallback(a.inst.StartNewProgressMonitoredTask),
		boostedtree.WithMemoryCallback(a.inst.UpdateMemoryUsage),
		boostedtree.WithLogger(a.logger),
		boostedtree.WithIterationCallback(func(stats boostedtree.IterationStats) {
			a.inst.SetIteration(stats.Iteration)
			a.inst.SetIterationTime(stats.Elapsed)
			a.inst.SetLossValues(0, []float64{stats.ValidationLoss})
			if err := a.inst.NextStep("iteration " + strconv.Itoa(stats.Iteration)); err != nil {
				a.logger.Warn("Failed writing training statistics", err)
			}
		}),
	)
	start := time.Now()
	forest, err := trainer.Train(data)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Trained forest",
		log.TreesKey, forest.NumberTrees(),
		log.LossKey, forest.ValidationLoss,
		log.TrainingRowsKey, forest.NumberTrainRows,
		log.DurationMsKey, time.Since(start).Milliseconds())
	return forest, nil
}

// restore loads a checkpointed forest, nil if there is none.
func (a *supervisedAnalysis) restore() (*boostedtree.Forest, error) {
	searcher, err := a.spec.RestoreSearcher()
	if err != nil {
		return nil, errors.Wrap(err, a.name+": open restore searcher")
	}
	if searcher == nil {
		return nil, nil
	}
	forest, err := boostedtree.RestoreForest(searcher)
	if err != nil {
		return nil, errors.Wrap(err, a.name+": restore forest")
	}
	if forest != nil {
		a.logger.Info("Restored forest from checkpoint", log.OperationKey, log.OperationRestore, log.TreesKey, forest.NumberTrees())
	}
	return forest, nil
}

// persist writes a checkpoint. A failed checkpoint does not fail the analysis.
func (a *supervisedAnalysis) persist(forest *boostedtree.Forest) {
	adder, err := a.spec.Persister()
	if err != nil {
		a.logger.Warn("Failed opening persister", err, log.OperationKey, log.OperationPersist)
		return
	}
	if adder == nil {
		return
	}
	if err := forest.Persist(adder); err != nil {
		a.logger.Warn("Failed persisting forest", err, log.OperationKey, log.OperationPersist)
	}
}

// classWeights returns the weight each class probability is multiplied by to
// assign a class. Supplied weights win over the objective.
func (a *supervisedAnalysis) classWeights(targets []float64, trainRows []int) ([]float64, error) {
	weights := make([]float64, len(a.labels))
	for k := range weights {
		weights[k] = 1
	}
	if len(a.weights) > 0 {
		for _, w := range a.weights {
			k := indexOf(a.labels, w.Class)
			if k < 0 {
				return nil, errors.NewInvalidSpecificationError("classification_weights", "unknown class", w.Class)
			}
			weights[k] = w.Weight
		}
		return weights, nil
	}
	if a.objective != MaximizeMinimumRecall {
		return weights, nil
	}

	// Inverse class frequency, normalised to average one.
	counts := make([]float64, len(a.labels))
	total := 0.0
	for _, row := range trainRows {
		if target := targets[row]; !math.IsNaN(target) {
			counts[int(target)]++
			total++
		}
	}
	for k, count := range counts {
		if count > 0 {
			weights[k] = total / (float64(len(counts)) * count)
		}
	}
	return weights, nil
}

func indexOf(values []string, value string) int {
	for i, v := range values {
		if v == value {
			return i
		}
	}
	return -1
}

func (a *supervisedAnalysis) newMetadata(columnNames []string, forest *boostedtree.Forest) *inference.Metadata {
	m := inference.NewMetadata()
	m.SetColumnNames(columnNames)
	if a.classification {
		m.SetClassValues(a.labels)
		m.SetClassNameResolver(typedClassName)
	}
	m.FeatureImportanceBaseline(forest.Baseline())
	hyperparameters := make([]inference.HyperparameterImportance, len(forest.Hyperparameters))
	for i, h := range forest.Hyperparameters {
		hyperparameters[i] = inference.HyperparameterImportance{Name: h.Name, Value: h.Value, Supplied: h.Supplied}
	}
	m.HyperparameterImportance(hyperparameters)
	m.SetNumTrainRows(forest.NumberTrainRows)
	m.SetLossGap(forest.ValidationLoss - forest.TrainLoss)
	m.SetTrainedModelMemoryUsage(forest.MemoryUsage())
	return m
}

// typedClassName writes boolean and numeric class labels with their JSON type.
func typedClassName(name string) any {
	if b, err := strconv.ParseBool(name); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(name, 64); err == nil {
		return f
	}
	return name
}

func (a *supervisedAnalysis) writePredictions(frame *dataframe.Frame, training []bool) error {
	cols := a.spec.cols
	flag := cols + a.predictionColumns()
	return frame.WriteColumns(a.spec.threads, 0, frame.NumberRows(), nil, func(batch []dataframe.Row) error {
		var values []float64
		for _, row := range batch {
			values = row.CopyTo(values)
			input := values[:cols]
			for j, p := range a.forest.Predict(input) {
				row.Set(cols+j, p)
			}
			if training[row.Index()] {
				row.Set(flag, 1)
			} else {
				row.Set(flag, 0)
			}
			if a.numTopImportance > 0 {
				// The baseline is recorded once in the metadata.
				importance, _ := a.forest.ExplainColumns(input)
				a.metadataM.Lock()
				for column, v := range importance {
					a.metadata.AddToFeatureImportance(column, v)
				}
				a.metadataM.Unlock()
			}
		}
		return nil
	})
}

// logValidationMetrics logs the error of the predictions on the held out rows.
func (a *supervisedAnalysis) logValidationMetrics(frame *dataframe.Frame, targets []float64, validationRows []int) {
	var rows []int
	for _, row := range validationRows {
		if !math.IsNaN(targets[row]) {
			rows = append(rows, row)
		}
	}
	if len(rows) < 2 {
		return
	}
	mask := make([]bool, frame.NumberRows())
	for _, row := range rows {
		mask[row] = true
	}
	actual := mat.NewVecDense(len(rows), nil)
	predicted := mat.NewVecDense(len(rows), nil)
	positive := mat.NewVecDense(len(rows), nil)
	position := make(map[int]int, len(rows))
	for i, row := range rows {
		position[row] = i
		actual.SetVec(i, targets[row])
	}
	cols := a.spec.cols
	err := frame.ReadRows(1, 0, frame.NumberRows(), mask, func(batch []dataframe.Row) error {
		for _, row := range batch {
			i := position[row.Index()]
			if !a.classification {
				predicted.SetVec(i, row.At(cols))
				continue
			}
			probabilities := make([]float64, len(a.labels))
			for k := range probabilities {
				probabilities[k] = row.At(cols + k)
			}
			predicted.SetVec(i, float64(a.assign(probabilities)))
			positive.SetVec(i, probabilities[len(probabilities)-1])
		}
		return nil
	})
	if err != nil {
		a.logger.Warn("Failed reading validation predictions", err)
		return
	}

	fields := []any{"validation_rows", len(rows)}
	if !a.classification {
		mse, err := metrics.MSE(actual, predicted)
		fields = a.appendMetric(fields, "mse", mse, err)
		r2, err := metrics.R2Score(actual, predicted)
		fields = a.appendMetric(fields, "r_squared", r2, err)
		a.logger.Info("Validation error", fields...)
		return
	}
	accuracy, err := metrics.Accuracy(actual, predicted)
	fields = a.appendMetric(fields, "accuracy", accuracy, err)
	if len(a.labels) == 2 {
		auc, err := metrics.AUC(actual, positive)
		fields = a.appendMetric(fields, "auc_roc", auc, err)
	}
	a.logger.Info("Validation error", fields...)
}

// appendMetric adds name and value to fields. A metric which failed is logged
// and left out.
func (a *supervisedAnalysis) appendMetric(fields []any, name string, value float64, err error) []any {
	if err != nil {
		a.logger.Warn("Failed computing validation metric", err, "metric", name)
		return fields
	}
	return append(fields, name, value)
}

// assign picks the class with the largest weighted probability.
func (a *supervisedAnalysis) assign(probabilities []float64) int {
	best := 0
	for k := range probabilities {
		if a.score(k, probabilities) > a.score(best, probabilities) {
			best = k
		}
	}
	return best
}

func (a *supervisedAnalysis) score(k int, probabilities []float64) float64 {
	if weights := a.forest.ClassificationWeights; k < len(weights) {
		return weights[k] * probabilities[k]
	}
	return probabilities[k]
}

type classImportance struct {
	ClassName  any     `json:"class_name"`
	Importance float64 `json:"importance"`
}

type featureImportanceResult struct {
	FeatureName string            `json:"feature_name"`
	Importance  *float64          `json:"importance,omitempty"`
	Classes     []classImportance `json:"classes,omitempty"`
}

type topClass struct {
	ClassName        any     `json:"class_name"`
	ClassProbability float64 `json:"class_probability"`
	ClassScore       float64 `json:"class_score"`
}

func (a *supervisedAnalysis) WriteOneRow(frame *dataframe.Frame, row dataframe.Row) map[string]any {
	cols := a.spec.cols
	results := map[string]any{isTrainingField: row.At(cols+a.predictionColumns()) == 1}

	if a.classification {
		probabilities := make([]float64, len(a.labels))
		for k := range probabilities {
			probabilities[k] = row.At(cols + k)
		}
		best := a.assign(probabilities)
		results[a.predictionField] = a.labels[best]
		results["prediction_probability"] = probabilities[best]
		results["prediction_score"] = a.score(best, probabilities)
		if top := a.topClasses(probabilities); top != nil {
			results["top_classes"] = top
		}
	} else {
		results[a.predictionField] = row.At(cols)
	}

	if a.numTopImportance > 0 {
		values := row.CopyTo(nil)[:cols]
		results["feature_importance"] = a.topFeatureImportance(frame.ColumnNames(), values)
	}
	return results
}

func (a *supervisedAnalysis) topClasses(probabilities []float64) []topClass {
	if a.numTopClasses == 0 {
		return nil
	}
	classes := make([]topClass, len(probabilities))
	for k, p := range probabilities {
		classes[k] = topClass{ClassName: typedClassName(a.labels[k]), ClassProbability: p, ClassScore: a.score(k, probabilities)}
	}
	sort.SliceStable(classes, func(i, j int) bool { return classes[i].ClassScore > classes[j].ClassScore })
	if a.numTopClasses > 0 && a.numTopClasses < len(classes) {
		classes = classes[:a.numTopClasses]
	}
	return classes
}

// topFeatureImportance returns the columns with the largest contribution to
// the prediction of one row, largest first.
func (a *supervisedAnalysis) topFeatureImportance(names []string, values []float64) []featureImportanceResult {
	importance, _ := a.forest.ExplainColumns(values) // baseline not reported per row
	columns := make([]int, 0, len(importance))
	magnitude := make(map[int]float64, len(importance))
	for column, v := range importance {
		total := 0.0
		for _, x := range v {
			total += math.Abs(x)
		}
		if total == 0 {
			continue
		}
		columns = append(columns, column)
		magnitude[column] = total
	}
	sort.Slice(columns, func(i, j int) bool {
		if magnitude[columns[i]] != magnitude[columns[j]] {
			return magnitude[columns[i]] > magnitude[columns[j]]
		}
		return columns[i] < columns[j]
	})
	if len(columns) > a.numTopImportance {
		columns = columns[:a.numTopImportance]
	}

	results := make([]featureImportanceResult, len(columns))
	for i, column := range columns {
		result := featureImportanceResult{FeatureName: names[column]}
		v := importance[column]
		if len(v) == 1 {
			result.Importance = &v[0]
		} else {
			for k, x := range v {
				result.Classes = append(result.Classes, classImportance{ClassName: typedClassName(a.labels[k]), Importance: x})
			}
		}
		results[i] = result
	}
	return results
}

// InferenceModelDefinition exports the trained forest.
func (a *supervisedAnalysis) InferenceModelDefinition(fieldNames []string, categoryNames [][]string) (*inference.Definition, error) {
	if a.forest == nil {
		return nil, errors.Newf("%s: no trained model", a.name)
	}
	dependent := indexOf(fieldNames, a.dependentName)
	var builder interface {
		boostedtree.Visitor
		AddCustomProcessor(json.RawMessage) error
		Build() (*inference.Definition, error)
	}
	if a.classification {
		builder = inference.NewClassificationBuilder(fieldNames, dependent, categoryNames)
	} else {
		builder = inference.NewRegressionBuilder(fieldNames, dependent, categoryNames)
	}
	if err := a.forest.Accept(builder); err != nil {
		return nil, err
	}
	for _, processor := range a.customProcessors {
		if err := builder.AddCustomProcessor(processor); err != nil {
			return nil, err
		}
	}
	return builder.Build()
}

// InferenceModelMetadata returns the metadata accumulated while predicting.
func (a *supervisedAnalysis) InferenceModelMetadata() *inference.Metadata {
	return a.metadata
}
