package boostedtree

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"github.com/YuminosukeSato/dfanalytics/core/persist"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// CheckpointID is the document id a forest is persisted under.
const CheckpointID = "boosted_tree_forest"

// Hyperparameter is one hyperparameter a forest was trained with. Supplied is
// false when the value was defaulted.
type Hyperparameter struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Supplied bool    `json:"supplied"`
}

// Forest is a trained boosted tree ensemble together with the feature
// encoding it was trained on. The first tree is a single leaf holding the
// initial prediction, so predictions are the plain sum of leaf values.
type Forest struct {
	LossType              LossType         `json:"loss_type"`
	LossParameter         float64          `json:"loss_parameter"`
	NumberClasses         int              `json:"number_classes"`
	Encoder               *Encoder         `json:"encoder"`
	Trees                 []*Tree          `json:"trees"`
	ClassificationWeights []float64        `json:"classification_weights,omitempty"`
	Hyperparameters       []Hyperparameter `json:"hyperparameters"`
	TrainLoss             float64          `json:"train_loss"`
	ValidationLoss        float64          `json:"validation_loss"`
	NumberTrainRows       int              `json:"number_train_rows"`

	loss Loss
}

func (f *Forest) init() error {
	loss, err := NewLoss(f.LossType, f.LossParameter, f.NumberClasses)
	if err != nil {
		return err
	}
	f.loss = loss
	if f.Encoder == nil {
		f.Encoder = &Encoder{}
	}
	return nil
}

// Loss returns the loss function the forest was trained with.
func (f *Forest) Loss() Loss { return f.loss }

// Dimension returns the number of raw scores per prediction.
func (f *Forest) Dimension() int { return f.loss.Dimension() }

// NumberTrees returns the number of trees including the initial prediction.
func (f *Forest) NumberTrees() int { return len(f.Trees) }

// RawPrediction sums the leaf values for an encoded feature vector.
func (f *Forest) RawPrediction(features []float64) []float64 {
	prediction := make([]float64, f.Dimension())
	for _, tree := range f.Trees {
		for k, v := range tree.Predict(features) {
			prediction[k] += v
		}
	}
	return prediction
}

// Encode encodes a raw row.
func (f *Forest) Encode(raw []float64) []float64 {
	features := make([]float64, f.Encoder.NumberFeatures())
	f.Encoder.Encode(raw, features)
	return features
}

// Predict returns the transformed prediction for a raw row: the predicted
// value for regression, class probabilities for classification.
func (f *Forest) Predict(raw []float64) []float64 {
	return f.loss.Transform(f.RawPrediction(f.Encode(raw)))
}

// MemoryUsage estimates the memory the forest occupies.
func (f *Forest) MemoryUsage() int64 {
	usage := int64(0)
	for _, tree := range f.Trees {
		usage += tree.memoryUsage()
	}
	for _, encoding := range f.Encoder.Encodings {
		usage += 48 + int64(len(encoding.Map))*8
	}
	return usage
}

// Accept walks the forest: encodings in feature order, the loss function, the
// classification weights for classification losses, then every tree.
func (f *Forest) Accept(v Visitor) error {
	if err := f.Encoder.accept(v); err != nil {
		return err
	}
	if err := v.AddLossFunction(f.LossType); err != nil {
		return err
	}
	if f.LossType.IsClassification() && len(f.ClassificationWeights) > 0 {
		if err := v.AddClassificationWeights(f.ClassificationWeights); err != nil {
			return err
		}
	}
	for _, tree := range f.Trees {
		if err := tree.accept(v); err != nil {
			return err
		}
	}
	return nil
}

// Persist writes the forest as zstd compressed JSON to adder.
func (f *Forest) Persist(adder persist.DataAdder) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "boostedtree: encode forest")
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return errors.Wrap(err, "boostedtree: create zstd encoder")
	}
	compressed := encoder.EncodeAll(raw, nil)
	if err := encoder.Close(); err != nil {
		return errors.Wrap(err, "boostedtree: close zstd encoder")
	}

	w, err := adder.AddStreamed(CheckpointID)
	if err != nil {
		return errors.Wrap(err, "boostedtree: open checkpoint")
	}
	if _, err := w.Write(compressed); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "boostedtree: write checkpoint")
	}
	return errors.Wrap(w.Close(), "boostedtree: commit checkpoint")
}

// RestoreForest reads a forest written by Persist. It returns nil and no error
// if the searcher has nothing stored.
func RestoreForest(searcher persist.DataSearcher) (*Forest, error) {
	compressed, err := persist.ReadAll(searcher)
	if err != nil {
		return nil, errors.Wrap(err, "boostedtree: read checkpoint")
	}
	if len(compressed) == 0 {
		return nil, nil
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "boostedtree: create zstd decoder")
	}
	defer decoder.Close()
	raw, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrap(err, "boostedtree: decompress checkpoint")
	}

	forest := &Forest{}
	if err := json.Unmarshal(raw, forest); err != nil {
		return nil, errors.Wrap(err, "boostedtree: decode checkpoint")
	}
	if len(forest.Trees) == 0 {
		return nil, errors.New("boostedtree: checkpoint has no trees")
	}
	if err := forest.init(); err != nil {
		return nil, err
	}
	return forest, nil
}
