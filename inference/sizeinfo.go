package inference

import (
	"encoding/json"
	"unicode/utf16"
)

// SizeInfoTag is the key of the model size info document.
const SizeInfoTag = "model_size_info"

// SizeInfo summarises a definition for estimating its footprint once loaded.
// String lengths are UTF-16 code units.
type SizeInfo struct {
	definition *Definition
}

// SizeInfo returns the size info of d.
func (d *Definition) SizeInfo() *SizeInfo {
	return &SizeInfo{definition: d}
}

func utf16Length(s string) int {
	return len(utf16.Encode([]rune(s)))
}

func utf16Lengths(values []string) []int {
	lengths := make([]int, len(values))
	for i, v := range values {
		lengths[i] = utf16Length(v)
	}
	return lengths
}

type oneHotSize struct {
	FieldLength        int   `json:"field_length"`
	FieldValueLengths  []int `json:"field_value_lengths"`
	FeatureNameLengths []int `json:"feature_name_lengths"`
}

type mapEncodingSize struct {
	FieldLength       int   `json:"field_length"`
	FeatureNameLength int   `json:"feature_name_length"`
	FieldValueLengths []int `json:"field_value_lengths"`
}

type treeSize struct {
	NumNodes  int `json:"num_nodes"`
	NumLeaves int `json:"num_leaves"`
}

type ensembleSize struct {
	TreeSizes                 []treeSize `json:"tree_sizes"`
	FeatureNameLengths        []int      `json:"feature_name_lengths"`
	NumOutputProcessorWeights int        `json:"num_output_processor_weights"`
	NumClassificationWeights  int        `json:"num_classification_weights"`
	NumClasses                int        `json:"num_classes"`
	NumOperations             int        `json:"num_operations"`
}

type sizeInfoJSON struct {
	Preprocessors    []map[string]any `json:"preprocessors"`
	TrainedModelSize struct {
		EnsembleModelSize ensembleSize `json:"ensemble_model_size"`
	} `json:"trained_model_size"`
}

// MarshalJSON implements json.Marshaler.
func (s *SizeInfo) MarshalJSON() ([]byte, error) {
	var wire sizeInfoJSON
	wire.Preprocessors = make([]map[string]any, 0, len(s.definition.Preprocessors))
	for _, p := range s.definition.Preprocessors {
		switch e := p.(type) {
		case *OneHotEncoding:
			categories := sortedKeys(e.HotMap)
			wire.Preprocessors = append(wire.Preprocessors, map[string]any{e.Type(): oneHotSize{
				FieldLength:        utf16Length(e.Field),
				FieldValueLengths:  utf16Lengths(categories),
				FeatureNameLengths: utf16Lengths(e.FeatureNames()),
			}})
		case *FrequencyEncoding:
			wire.Preprocessors = append(wire.Preprocessors, map[string]any{e.Type(): mapEncodingSize{
				FieldLength:       utf16Length(e.Field),
				FeatureNameLength: utf16Length(e.FeatureName),
				FieldValueLengths: utf16Lengths(sortedKeys(e.FrequencyMap)),
			}})
		case *TargetMeanEncoding:
			wire.Preprocessors = append(wire.Preprocessors, map[string]any{e.Type(): mapEncodingSize{
				FieldLength:       utf16Length(e.Field),
				FeatureNameLength: utf16Length(e.FeatureName),
				FieldValueLengths: utf16Lengths(sortedKeys(e.TargetMap)),
			}})
		}
	}

	size := &wire.TrainedModelSize.EnsembleModelSize
	size.TreeSizes = []treeSize{}
	size.FeatureNameLengths = []int{}
	if ensemble := s.definition.TrainedModel; ensemble != nil {
		for _, tree := range ensemble.Trees {
			size.TreeSizes = append(size.TreeSizes, treeSize{NumNodes: tree.Size(), NumLeaves: tree.NumberLeaves()})
			size.NumOperations += tree.Size() - tree.NumberLeaves()
		}
		size.FeatureNameLengths = utf16Lengths(ensemble.FeatureNames)
		size.NumOutputProcessorWeights = len(ensemble.AggregateOutput.Weights)
		size.NumClassificationWeights = len(ensemble.ClassificationWeights)
		size.NumClasses = len(ensemble.ClassificationLabels)
	}
	return json.Marshal(wire)
}

// JSON returns the compact JSON form of the size info.
func (s *SizeInfo) JSON() ([]byte, error) {
	return json.Marshal(s)
}
