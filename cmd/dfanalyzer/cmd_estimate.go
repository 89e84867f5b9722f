package main

import (
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/dfanalytics/analysis"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// estimateMemory writes the memory_usage_estimation_result document of the
// specification. It fails only when the specification names no usable
// analysis.
func estimateMemory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	specJSON, err := readSpecification(cmd, cfg.Job.Spec)
	if err != nil {
		return err
	}
	spec, err := analysis.Parse(specJSON)
	if err != nil {
		// A memory limit that is too low still has an estimate.
		log.GetLoggerWithName("dfanalyzer").Warn("Invalid specification", err, log.OperationKey, log.OperationParse)
	}

	out, err := openOutput(cmd, cfg.Job.Output)
	if err != nil {
		return err
	}
	defer out.Close()
	return spec.EstimateMemoryUsage(jsonwriter.New(out))
}
