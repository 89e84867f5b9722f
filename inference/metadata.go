package inference

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// MetadataTag is the key of the model metadata document.
const MetadataTag = "model_metadata"

// HyperparameterImportance is the final value and importance of one
// hyperparameter. Supplied is false when the value was defaulted.
type HyperparameterImportance struct {
	Name               string  `json:"name"`
	Value              float64 `json:"value"`
	AbsoluteImportance float64 `json:"absolute_importance"`
	RelativeImportance float64 `json:"relative_importance"`
	Supplied           bool    `json:"supplied"`
}

// featureImportance keeps, per output dimension, the running mean of the
// magnitude and the running min and max of the raw importance.
type featureImportance struct {
	count float64
	mean  []float64
	min   []float64
	max   []float64
}

func newFeatureImportance(dimension int) *featureImportance {
	f := &featureImportance{
		mean: make([]float64, dimension),
		min:  make([]float64, dimension),
		max:  make([]float64, dimension),
	}
	for j := range f.min {
		f.min[j] = math.Inf(1)
		f.max[j] = math.Inf(-1)
	}
	return f
}

func (f *featureImportance) add(values []float64) {
	f.count++
	for j, v := range values {
		f.mean[j] += (math.Abs(v) - f.mean[j]) / f.count
		f.min[j] = math.Min(f.min[j], v)
		f.max[j] = math.Max(f.max[j], v)
	}
}

// Metadata accumulates the model metadata during training and renders it as
// the model_metadata document. It is not safe for concurrent use.
type Metadata struct {
	columnNames              []string
	classValues              []string
	classNameResolver        func(string) any
	importances              map[int]*featureImportance
	baseline                 []float64
	hyperparameters          []HyperparameterImportance
	numTrainRows             int
	lossGap                  float64
	numDataSummarizationRows int
	trainedModelMemoryUsage  int64

	// restored is set when the metadata was decoded rather than accumulated.
	restored json.RawMessage
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{importances: make(map[int]*featureImportance)}
}

// SetColumnNames sets the names used for feature indices.
func (m *Metadata) SetColumnNames(names []string) {
	m.columnNames = append([]string(nil), names...)
}

// SetClassValues sets the class labels of a classification model.
func (m *Metadata) SetClassValues(values []string) {
	m.classValues = append([]string(nil), values...)
}

// SetClassNameResolver controls how class names are written, for example to
// write boolean or numeric labels with their JSON type.
func (m *Metadata) SetClassNameResolver(resolve func(string) any) {
	m.classNameResolver = resolve
}

// AddToFeatureImportance folds one row's importances for feature column into
// the totals. values has one entry per output dimension.
func (m *Metadata) AddToFeatureImportance(column int, values []float64) {
	if len(values) == 0 {
		return
	}
	if m.importances == nil {
		m.importances = make(map[int]*featureImportance)
	}
	acc, ok := m.importances[column]
	if !ok || len(acc.mean) != len(values) {
		acc = newFeatureImportance(len(values))
		m.importances[column] = acc
	}
	acc.add(values)
}

// FeatureImportanceBaseline sets the value the per-row importances are additive
// against.
func (m *Metadata) FeatureImportanceBaseline(baseline []float64) {
	m.baseline = append([]float64(nil), baseline...)
}

// HyperparameterImportance stores the hyperparameters as given.
func (m *Metadata) HyperparameterImportance(hyperparameters []HyperparameterImportance) {
	m.hyperparameters = append([]HyperparameterImportance(nil), hyperparameters...)
}

// SetNumTrainRows sets the number of rows used to train.
func (m *Metadata) SetNumTrainRows(rows int) { m.numTrainRows = rows }

// SetLossGap sets the mean gap between train and validation loss.
func (m *Metadata) SetLossGap(gap float64) { m.lossGap = gap }

// SetNumDataSummarizationRows sets the number of rows in the training data summary.
func (m *Metadata) SetNumDataSummarizationRows(rows int) { m.numDataSummarizationRows = rows }

// SetTrainedModelMemoryUsage sets the memory footprint of the trained model.
func (m *Metadata) SetTrainedModelMemoryUsage(bytes int64) { m.trainedModelMemoryUsage = bytes }

// Write writes the model_metadata document.
func (m *Metadata) Write(w *jsonwriter.LineWriter) error {
	raw, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	return w.WriteObject(MetadataTag, json.RawMessage(raw))
}

type importanceStats struct {
	MeanMagnitude float64 `json:"mean_magnitude"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
}

type classImportance struct {
	ClassName  any             `json:"class_name"`
	Importance importanceStats `json:"importance"`
}

type totalFeatureImportance struct {
	FeatureName string            `json:"feature_name"`
	Importance  *importanceStats  `json:"importance,omitempty"`
	Classes     []classImportance `json:"classes,omitempty"`
}

type classBaseline struct {
	ClassName any     `json:"class_name"`
	Baseline  float64 `json:"baseline"`
}

type featureImportanceBaseline struct {
	Baseline *float64        `json:"baseline,omitempty"`
	Classes  []classBaseline `json:"classes,omitempty"`
}

type trainProperties struct {
	NumTrainRows            int     `json:"num_train_rows"`
	LossGap                 float64 `json:"loss_gap"`
	TrainedModelMemoryUsage int64   `json:"trained_model_memory_usage"`
}

type dataSummarization struct {
	NumDataSummarizationRows int `json:"num_data_summarization_rows"`
}

type metadataJSON struct {
	TotalFeatureImportance    []totalFeatureImportance   `json:"total_feature_importance"`
	FeatureImportanceBaseline *featureImportanceBaseline `json:"feature_importance_baseline,omitempty"`
	Hyperparameters           []HyperparameterImportance `json:"hyperparameters"`
	TrainProperties           trainProperties            `json:"train_properties"`
	DataSummarization         *dataSummarization         `json:"data_summarization,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m.restored != nil {
		return m.restored, nil
	}
	wire := metadataJSON{
		TotalFeatureImportance:    m.totalFeatureImportance(),
		FeatureImportanceBaseline: m.featureImportanceBaseline(),
		Hyperparameters:           m.hyperparameters,
		TrainProperties: trainProperties{
			NumTrainRows:            m.numTrainRows,
			LossGap:                 m.lossGap,
			TrainedModelMemoryUsage: m.trainedModelMemoryUsage,
		},
	}
	if wire.Hyperparameters == nil {
		wire.Hyperparameters = []HyperparameterImportance{}
	}
	if m.numDataSummarizationRows > 0 {
		wire.DataSummarization = &dataSummarization{NumDataSummarizationRows: m.numDataSummarizationRows}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON keeps the decoded document so that it is written back
// unchanged. The accumulators are not restored.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	if !json.Valid(data) {
		return errors.New("inference: invalid model metadata")
	}
	m.restored = append(json.RawMessage(nil), data...)
	return nil
}

func (m *Metadata) className(i int) any {
	name := ""
	if i < len(m.classValues) {
		name = m.classValues[i]
	}
	if m.classNameResolver != nil {
		return m.classNameResolver(name)
	}
	return name
}

func (m *Metadata) columnName(i int) string {
	if i < len(m.columnNames) {
		return m.columnNames[i]
	}
	return ""
}

func (m *Metadata) totalFeatureImportance() []totalFeatureImportance {
	columns := make([]int, 0, len(m.importances))
	for column := range m.importances {
		columns = append(columns, column)
	}
	sort.Ints(columns)

	result := make([]totalFeatureImportance, 0, len(columns))
	for _, column := range columns {
		acc := m.importances[column]
		entry := totalFeatureImportance{FeatureName: m.columnName(column)}
		switch {
		case len(m.classValues) == 0:
			entry.Importance = &importanceStats{MeanMagnitude: acc.mean[0], Min: acc.min[0], Max: acc.max[0]}
		case len(acc.mean) == 1 && len(m.classValues) == 2:
			// Binary classification stores the importance for class one only;
			// class zero is its negation.
			entry.Classes = []classImportance{
				{ClassName: m.className(0), Importance: importanceStats{
					MeanMagnitude: acc.mean[0], Min: -acc.max[0], Max: -acc.min[0]}},
				{ClassName: m.className(1), Importance: importanceStats{
					MeanMagnitude: acc.mean[0], Min: acc.min[0], Max: acc.max[0]}},
			}
		default:
			for j := range acc.mean {
				entry.Classes = append(entry.Classes, classImportance{
					ClassName:  m.className(j),
					Importance: importanceStats{MeanMagnitude: acc.mean[j], Min: acc.min[j], Max: acc.max[j]},
				})
			}
		}
		result = append(result, entry)
	}
	return result
}

func (m *Metadata) featureImportanceBaseline() *featureImportanceBaseline {
	if len(m.baseline) == 0 {
		return nil
	}
	switch {
	case len(m.classValues) == 0:
		return &featureImportanceBaseline{Baseline: &m.baseline[0]}
	case len(m.baseline) == 1 && len(m.classValues) == 2:
		return &featureImportanceBaseline{Classes: []classBaseline{
			{ClassName: m.className(0), Baseline: -m.baseline[0]},
			{ClassName: m.className(1), Baseline: m.baseline[0]},
		}}
	default:
		classes := make([]classBaseline, len(m.baseline))
		for j, b := range m.baseline {
			classes[j] = classBaseline{ClassName: m.className(j), Baseline: b}
		}
		return &featureImportanceBaseline{Classes: classes}
	}
}
