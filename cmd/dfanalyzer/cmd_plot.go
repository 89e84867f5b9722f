package main

import (
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/dfanalytics/instrumentation"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

func plotLoss(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	statsPath, err := cmd.Flags().GetString(flagStats)
	if err != nil {
		return err
	}
	outPath, err := cmd.Flags().GetString(flagPlotOutput)
	if err != nil {
		return err
	}

	in, err := openInput(cmd, statsPath)
	if err != nil {
		return err
	}
	defer in.Close()
	loss, err := instrumentation.ReadValidationLoss(in)
	if err != nil {
		return err
	}
	if loss.Empty() {
		return errors.Newf("no training statistics in %s", statsPath)
	}
	if err := loss.SavePlot(outPath); err != nil {
		return err
	}
	log.GetLoggerWithName("dfanalyzer").Info("Wrote validation loss plot",
		log.LossTypeKey, loss.LossType, "folds", len(loss.Folds), "path", outPath)
	return nil
}
