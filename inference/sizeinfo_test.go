package inference

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeInfo(t *testing.T) {
	definition := sampleDefinition(t)
	raw, err := definition.SizeInfo().JSON()
	require.NoError(t, err)

	var doc struct {
		Preprocessors []map[string]struct {
			FieldLength        int   `json:"field_length"`
			FeatureNameLength  int   `json:"feature_name_length"`
			FeatureNameLengths []int `json:"feature_name_lengths"`
			FieldValueLengths  []int `json:"field_value_lengths"`
		} `json:"preprocessors"`
		TrainedModelSize struct {
			EnsembleModelSize struct {
				TreeSizes []struct {
					NumNodes  int `json:"num_nodes"`
					NumLeaves int `json:"num_leaves"`
				} `json:"tree_sizes"`
				FeatureNameLengths        []int `json:"feature_name_lengths"`
				NumOutputProcessorWeights int   `json:"num_output_processor_weights"`
			} `json:"ensemble_model_size"`
		} `json:"trained_model_size"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))

	// The custom processor has no size entry.
	require.Len(t, doc.Preprocessors, 3)
	frequency := doc.Preprocessors[0]["frequency_encoding"]
	assert.Equal(t, len("categorical_col"), frequency.FieldLength)
	assert.Equal(t, len("categorical_col_frequency"), frequency.FeatureNameLength)
	target := doc.Preprocessors[1]["target_mean_encoding"]
	assert.Equal(t, len("categorical_col_targetmean"), target.FeatureNameLength)
	oneHot := doc.Preprocessors[2]["one_hot_encoding"]
	assert.Equal(t, []int{4, 4, 4}, oneHot.FieldValueLengths)
	assert.Len(t, oneHot.FeatureNameLengths, 3)

	ensemble := doc.TrainedModelSize.EnsembleModelSize
	require.Len(t, ensemble.TreeSizes, definition.TrainedModel.Size())
	assert.Equal(t, 5, ensemble.TreeSizes[0].NumNodes)
	assert.Equal(t, 3, ensemble.TreeSizes[0].NumLeaves)
	assert.Equal(t, 2, ensemble.NumOutputProcessorWeights)
	assert.Len(t, ensemble.FeatureNameLengths, 6)
}

func TestUTF16Length(t *testing.T) {
	assert.Equal(t, 3, utf16Length("abc"))
	assert.Equal(t, 1, utf16Length("é"))
	assert.Equal(t, 2, utf16Length("😀"))
}
