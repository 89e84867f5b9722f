package boostedtree

// FeatureImportance holds the per-feature contributions to one prediction.
// Baseline plus the sum of Values over features equals the raw prediction.
type FeatureImportance struct {
	// Values has one entry per encoded feature, each with one entry per
	// output dimension.
	Values   [][]float64
	Baseline []float64
}

// Baseline returns the raw prediction every explanation starts from: the sum
// of the root values of all trees.
func (f *Forest) Baseline() []float64 {
	baseline := make([]float64, f.Dimension())
	for _, tree := range f.Trees {
		for k, v := range tree.Nodes[0].Value {
			baseline[k] += v
		}
	}
	return baseline
}

// ExplainFeatures attributes the raw prediction for an encoded feature vector
// to the features. Each split on the decision path credits its feature with
// the change in node value between parent and child.
func (f *Forest) ExplainFeatures(features []float64) FeatureImportance {
	dimension := f.Dimension()
	values := make([][]float64, len(features))
	for i := range values {
		values[i] = make([]float64, dimension)
	}
	for _, tree := range f.Trees {
		path := tree.Path(features)
		for i := 1; i < len(path); i++ {
			parent, child := &tree.Nodes[path[i-1]], &tree.Nodes[path[i]]
			contribution := values[parent.SplitFeature]
			for k := range contribution {
				contribution[k] += child.Value[k] - parent.Value[k]
			}
		}
	}
	return FeatureImportance{Values: values, Baseline: f.Baseline()}
}

// ExplainColumns is ExplainFeatures for a raw row with the contributions of
// features derived from the same input column summed. The result is keyed by
// input column.
func (f *Forest) ExplainColumns(raw []float64) (map[int][]float64, []float64) {
	explanation := f.ExplainFeatures(f.Encode(raw))
	columns := make(map[int][]float64)
	for i, encoding := range f.Encoder.Encodings {
		column, ok := columns[encoding.InputColumn]
		if !ok {
			column = make([]float64, f.Dimension())
			columns[encoding.InputColumn] = column
		}
		for k, v := range explanation.Values[i] {
			column[k] += v
		}
	}
	return columns, explanation.Baseline
}
