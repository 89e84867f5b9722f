// Package dfanalytics runs data frame analytics jobs: outlier detection,
// regression and classification over a table of records streamed in by a
// caller.
//
// A job starts from a JSON specification naming the number of rows and
// columns, the memory limit and the analysis with its parameters:
//
//	spec, err := analysis.Parse(`{"rows":1000,"cols":3,"memory_limit":100000000,
//		"analysis":{"name":"outlier_detection"}}`)
//	analyzer, err := analysis.NewAnalyzer(spec, jsonwriter.New(os.Stdout))
//	for _, record := range records {
//		err = analyzer.HandleRecord(fieldNames, record)
//	}
//	err = analyzer.Finish()
//
// The analyzer stores the records in a data frame, in main memory or
// partitioned on disk depending on the memory budget, runs the analysis on a
// worker goroutine while reporting progress and memory usage, and then writes
// one row_results document per row followed by the trained model and the
// final statistics.
//
// # Packages
//
//   - analysis: specifications, runners and the analyzer
//   - dataframe: row storage in memory or on disk
//   - outliers: nearest neighbour outlier scores and feature influence
//   - boostedtree: gradient boosted tree training, SHAP and checkpoints
//   - inference: exported model definitions, size info and metadata
//   - instrumentation: progress, memory and training statistics
//   - core/persist: badger backed checkpoint storage
//
// The dfanalyzer command drives a job from CSV input.
package dfanalytics
