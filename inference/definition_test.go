package inference

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dfanalytics/boostedtree"
)

func sampleDefinition(t *testing.T) *Definition {
	t.Helper()
	fieldNames := []string{"numeric_col", "categorical_col", "target_col"}
	categories := [][]string{{}, {"cat1", "cat2", "cat3"}, {}}
	b := NewRegressionBuilder(fieldNames, 2, categories)
	require.NoError(t, b.AddIdentityEncoding(0))
	require.NoError(t, b.AddOneHotEncoding(1, 0))
	require.NoError(t, b.AddOneHotEncoding(1, 1))
	require.NoError(t, b.AddOneHotEncoding(1, 2))
	require.NoError(t, b.AddFrequencyEncoding(1, []float64{0.9, 0.05, 0.05}))
	require.NoError(t, b.AddTargetMeanEncoding(1, []float64{0.1, 100.2, 200.3}, 10.0177288))
	require.NoError(t, b.AddCustomProcessor(json.RawMessage(`{"another_special_processor":{"foo":"Column_foo","field":"bar"}}`)))
	require.NoError(t, b.AddLossFunction(boostedtree.MseRegression))

	require.NoError(t, b.AddTree())
	require.NoError(t, b.AddNode(4, 0.3, true, nil, 12.5, 100, 1, 2))
	require.NoError(t, b.AddNode(0, -1.25, false, nil, 3.25, 60, 3, 4))
	require.NoError(t, b.AddNode(0, 0, false, []float64{7.125}, 0, 40, boostedtree.NoChild, boostedtree.NoChild))
	require.NoError(t, b.AddNode(0, 0, false, []float64{-0.5}, 0, 25, boostedtree.NoChild, boostedtree.NoChild))
	require.NoError(t, b.AddNode(0, 0, false, []float64{0.333333333333}, 0, 35, boostedtree.NoChild, boostedtree.NoChild))
	addStump(t, b, 1, 0.5, []float64{0.01}, []float64{-0.02})

	definition, err := b.Build()
	require.NoError(t, err)
	return definition
}

func TestDefinitionRoundTrip(t *testing.T) {
	definition := sampleDefinition(t)

	raw, err := definition.JSON()
	require.NoError(t, err)

	var decoded Definition
	require.NoError(t, json.Unmarshal(raw, &decoded))

	require.Equal(t, definition.TrainedModel.Size(), decoded.TrainedModel.Size())
	for i, tree := range definition.TrainedModel.Trees {
		assert.Equal(t, tree.Size(), decoded.TrainedModel.Trees[i].Size())
	}

	opts := cmp.Options{
		cmpopts.EquateApprox(0, 1e-12),
		cmp.Comparer(func(a, b *CustomEncoding) bool { return string(a.Raw) == string(b.Raw) }),
	}
	if diff := cmp.Diff(definition, &decoded, opts); diff != "" {
		t.Errorf("definition mismatch after round trip (-want +got):\n%s", diff)
	}

	again, err := decoded.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
}

func TestDefinitionJSONShape(t *testing.T) {
	raw, err := sampleDefinition(t).JSON()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))

	preprocessors := doc["preprocessors"].([]any)
	require.Len(t, preprocessors, 4)
	assert.Contains(t, preprocessors[0], "frequency_encoding")
	assert.Contains(t, preprocessors[1], "target_mean_encoding")
	assert.Contains(t, preprocessors[2], "one_hot_encoding")
	assert.Contains(t, preprocessors[3], "another_special_processor")

	ensemble := doc["trained_model"].(map[string]any)["ensemble"].(map[string]any)
	assert.Equal(t, "regression", ensemble["target_type"])
	assert.Equal(t, map[string]any{"weighted_sum": map[string]any{"weights": []any{1.0, 1.0}}}, ensemble["aggregate_output"])
	assert.NotContains(t, ensemble, "classification_labels")

	trees := ensemble["trained_models"].([]any)
	require.Len(t, trees, 2)
	nodes := trees[0].(map[string]any)["tree"].(map[string]any)["tree_structure"].([]any)
	root := nodes[0].(map[string]any)
	assert.Equal(t, "lte", root["decision_type"])
	assert.Equal(t, 4.0, root["split_feature"])
	assert.Equal(t, 1.0, root["left_child"])
	assert.NotContains(t, root, "leaf_value")
	leaf := nodes[2].(map[string]any)
	assert.Equal(t, []any{7.125}, leaf["leaf_value"])
	assert.NotContains(t, leaf, "left_child")
}

func TestUnmarshalRejectsBadInput(t *testing.T) {
	var node TreeNode
	assert.Error(t, json.Unmarshal([]byte(`{"node_index":0,"left_child":1}`), &node))

	var aggregate AggregateOutput
	assert.Error(t, json.Unmarshal([]byte(`{"median":{"weights":[1]}}`), &aggregate))

	var target TargetType
	assert.Error(t, json.Unmarshal([]byte(`"ranking"`), &target))

	var ensemble Ensemble
	assert.Error(t, json.Unmarshal([]byte(`{"linear":{}}`), &ensemble))
}

func TestDefinitionWithMetadataRoundTrip(t *testing.T) {
	definition := sampleDefinition(t)
	metadata := NewMetadata()
	metadata.SetColumnNames([]string{"numeric_col"})
	metadata.AddToFeatureImportance(0, []float64{0.5})
	metadata.SetNumTrainRows(10)
	definition.Metadata = metadata

	raw, err := definition.JSON()
	require.NoError(t, err)

	var decoded Definition
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NotNil(t, decoded.Metadata)

	again, err := decoded.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(again))
}
