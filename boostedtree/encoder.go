package boostedtree

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MaxOneHotCategories is the largest number of categories a column may have
// to be one-hot encoded.
const MaxOneHotCategories = 10

// EncodingKind is the kind of feature an Encoding produces.
type EncodingKind int

const (
	IdentityEncoding EncodingKind = iota
	OneHotEncoding
	FrequencyEncoding
	TargetMeanEncoding
)

// Encoding maps one input column to one feature. Map is indexed by category
// ordinal for frequency and target mean encodings.
type Encoding struct {
	Kind        EncodingKind `json:"kind"`
	InputColumn int          `json:"input_column"`
	HotCategory int          `json:"hot_category,omitempty"`
	Map         []float64    `json:"map,omitempty"`
	Fallback    float64      `json:"fallback,omitempty"`
}

// Encode returns the feature value for the raw column value. Missing values
// stay missing except for one-hot encoding where they are simply not hot.
func (e *Encoding) Encode(value float64) float64 {
	if e.Kind == IdentityEncoding {
		return value
	}
	if math.IsNaN(value) {
		if e.Kind == OneHotEncoding {
			return 0
		}
		return math.NaN()
	}
	category := int(value)
	switch e.Kind {
	case OneHotEncoding:
		if category == e.HotCategory {
			return 1
		}
		return 0
	case FrequencyEncoding:
		if category >= 0 && category < len(e.Map) {
			return e.Map[category]
		}
		return 0
	default:
		if category >= 0 && category < len(e.Map) {
			return e.Map[category]
		}
		return e.Fallback
	}
}

// Encoder turns raw rows into the feature vectors the forest is trained on.
// Features are ordered by input column; a categorical column contributes its
// one-hot features, then frequency, then target mean.
type Encoder struct {
	Encodings []Encoding `json:"encodings"`
}

// EncoderInput describes the raw data an Encoder is fitted to.
type EncoderInput struct {
	// Data holds one raw row per matrix row. Categorical values are ordinals.
	Data *mat.Dense
	// DependentVariable is the column being predicted. It is never encoded.
	DependentVariable int
	// NumberCategories is the number of categories of each column, or 0 for a
	// numeric column.
	NumberCategories []int
	// TrainRows are the rows statistics are computed from.
	TrainRows []int
	// Targets are the values averaged by target mean encoding, one per row.
	Targets []float64
	// Exclude lists columns which are not model inputs.
	Exclude map[int]bool
}

// NewEncoder fits the encodings to in.
func NewEncoder(in EncoderInput) *Encoder {
	_, cols := in.Data.Dims()
	encoder := &Encoder{}

	overallMean := 0.0
	for _, row := range in.TrainRows {
		overallMean += in.Targets[row]
	}
	if len(in.TrainRows) > 0 {
		overallMean /= float64(len(in.TrainRows))
	}

	for j := 0; j < cols; j++ {
		if j == in.DependentVariable || in.Exclude[j] {
			continue
		}
		categories := 0
		if j < len(in.NumberCategories) {
			categories = in.NumberCategories[j]
		}
		if categories == 0 {
			encoder.Encodings = append(encoder.Encodings, Encoding{Kind: IdentityEncoding, InputColumn: j})
			continue
		}

		counts := make([]float64, categories)
		sums := make([]float64, categories)
		observed := 0.0
		for _, row := range in.TrainRows {
			value := in.Data.At(row, j)
			if math.IsNaN(value) {
				continue
			}
			if category := int(value); category >= 0 && category < categories {
				counts[category]++
				sums[category] += in.Targets[row]
				observed++
			}
		}

		if categories <= MaxOneHotCategories {
			for category := 0; category < categories; category++ {
				encoder.Encodings = append(encoder.Encodings, Encoding{Kind: OneHotEncoding, InputColumn: j, HotCategory: category})
			}
		}

		frequencies := make([]float64, categories)
		means := make([]float64, categories)
		for category := range counts {
			if observed > 0 {
				frequencies[category] = counts[category] / observed
			}
			// One pseudo count of the overall mean keeps rare categories sane.
			means[category] = (sums[category] + overallMean) / (counts[category] + 1)
		}
		encoder.Encodings = append(encoder.Encodings,
			Encoding{Kind: FrequencyEncoding, InputColumn: j, Map: frequencies},
			Encoding{Kind: TargetMeanEncoding, InputColumn: j, Map: means, Fallback: overallMean})
	}
	return encoder
}

// NumberFeatures returns the number of encoded features.
func (e *Encoder) NumberFeatures() int {
	return len(e.Encodings)
}

// Encode writes the features of raw into features, which must have
// NumberFeatures entries.
func (e *Encoder) Encode(raw, features []float64) {
	for i := range e.Encodings {
		features[i] = e.Encodings[i].Encode(raw[e.Encodings[i].InputColumn])
	}
}

// EncodeAll encodes every row of data.
func (e *Encoder) EncodeAll(data *mat.Dense) *mat.Dense {
	rows, _ := data.Dims()
	features := mat.NewDense(max(rows, 1), max(e.NumberFeatures(), 1), nil)
	for i := 0; i < rows; i++ {
		e.Encode(data.RawRowView(i), features.RawRowView(i))
	}
	return features
}

// accept visits the encodings in feature order.
func (e *Encoder) accept(v Visitor) error {
	for _, encoding := range e.Encodings {
		var err error
		switch encoding.Kind {
		case IdentityEncoding:
			err = v.AddIdentityEncoding(encoding.InputColumn)
		case OneHotEncoding:
			err = v.AddOneHotEncoding(encoding.InputColumn, encoding.HotCategory)
		case FrequencyEncoding:
			err = v.AddFrequencyEncoding(encoding.InputColumn, encoding.Map)
		case TargetMeanEncoding:
			err = v.AddTargetMeanEncoding(encoding.InputColumn, encoding.Map, encoding.Fallback)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
