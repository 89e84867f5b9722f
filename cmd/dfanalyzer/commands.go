package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/dfanalytics/pkg/config"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

const stdio = "-"

// Flag names.
const (
	flagConfig          = "config"
	flagLogLevel        = "log-level"
	flagSpec            = "spec"
	flagInput           = "input"
	flagOutput          = "output"
	flagModelOutput     = "model-out"
	flagModelChunkSize  = "model-chunk-size"
	flagPretty          = "pretty"
	flagPersistDir      = "persist-dir"
	flagRestoreDir      = "restore-dir"
	flagMonitorInterval = "monitor-interval"
	flagMetricsDump     = "metrics-dump"
	flagStats           = "stats"
	flagPlotOutput      = "out"
)

var bindings = []config.Binding{
	{Key: config.KeyLogLevel, Flag: flagLogLevel},
	{Key: config.KeySpec, Flag: flagSpec},
	{Key: config.KeyInput, Flag: flagInput},
	{Key: config.KeyOutput, Flag: flagOutput},
	{Key: config.KeyModelOutput, Flag: flagModelOutput},
	{Key: config.KeyModelChunkSize, Flag: flagModelChunkSize},
	{Key: config.KeyPretty, Flag: flagPretty},
	{Key: config.KeyPersistDir, Flag: flagPersistDir},
	{Key: config.KeyRestoreDir, Flag: flagRestoreDir},
	{Key: config.KeyMonitorInterval, Flag: flagMonitorInterval},
	{Key: config.KeyMetricsDump, Flag: flagMetricsDump},
}

// newRootCmd builds the command tree. Every call returns fresh flag state.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dfanalyzer",
		Short: "Run data frame analyses",
		Long: `dfanalyzer reads a job specification and CSV records, runs outlier detection,
regression or classification over them and writes row results, progress,
statistics and the trained model as line-delimited JSON.`,
		SilenceUsage: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the analysis of a specification over CSV input",
		Long: `Reads the header and records of the CSV input, runs the analysis once the input
ends and writes every output document. A trailing "." column whose value is "$"
ends the input early.`,
		Args: cobra.NoArgs,
		RunE: runAnalysis,
	}

	estimateCmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the memory a specification needs",
		Args:  cobra.NoArgs,
		RunE:  estimateMemory,
	}

	plotLossCmd := &cobra.Command{
		Use:   "plot-loss",
		Short: "Plot the validation loss of a supervised run",
		Long: `Reads the output of a regression or classification run and draws the
validation loss of every fold against the training iteration.`,
		Args: cobra.NoArgs,
		RunE: plotLoss,
	}

	defaults := config.Default()

	rootCmd.PersistentFlags().String(flagConfig, "", "YAML or JSON config file")
	rootCmd.PersistentFlags().String(flagLogLevel, defaults.Log.Level, "log level (debug, info, warn, error)")

	runCmd.Flags().String(flagSpec, "", "job specification file, - for standard input")
	runCmd.Flags().String(flagInput, defaults.Job.Input, "CSV input file, - for standard input")
	runCmd.Flags().String(flagOutput, defaults.Job.Output, "output file, - for standard output")
	runCmd.Flags().String(flagModelOutput, "", "write the trained inference model definition to this file")
	runCmd.Flags().Int(flagModelChunkSize, defaults.Model.ChunkSize, "size of the compressed model chunks")
	runCmd.Flags().Bool(flagPretty, defaults.Model.Pretty, "pretty print the model definition")
	runCmd.Flags().String(flagPersistDir, "", "badger directory the trained forest is checkpointed to")
	runCmd.Flags().String(flagRestoreDir, "", "badger directory a trained forest is restored from")
	runCmd.Flags().Duration(flagMonitorInterval, defaults.Monitor.Interval, "progress polling interval")
	runCmd.Flags().Bool(flagMetricsDump, defaults.Metrics.Dump, "print the program counters to standard error when done")

	estimateCmd.Flags().String(flagSpec, "", "job specification file, - for standard input")
	estimateCmd.Flags().String(flagOutput, defaults.Job.Output, "output file, - for standard output")

	plotLossCmd.Flags().String(flagStats, stdio, "output of a supervised run, - for standard input")
	plotLossCmd.Flags().String(flagPlotOutput, "loss.png", "image file, the extension selects the format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(estimateCmd)
	rootCmd.AddCommand(plotLossCmd)
	return rootCmd
}

// loadConfig loads the configuration for cmd and sets up logging to its
// standard error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	var present []config.Binding
	for _, b := range bindings {
		if flags.Lookup(b.Flag) != nil {
			present = append(present, b)
		}
	}
	cfg, err := config.Load(file, flags, present...)
	if err != nil {
		return nil, err
	}
	if err := log.SetupLogger(cfg.Log.Level, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == stdio || path == "" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openOutput(cmd *cobra.Command, path string) (io.WriteCloser, error) {
	if path == stdio {
		return nopWriteCloser{cmd.OutOrStdout()}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	return f, nil
}

func readSpecification(cmd *cobra.Command, path string) (string, error) {
	if path == "" {
		return "", errors.New("a specification is required, set --spec")
	}
	r, err := openInput(cmd, path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", errors.Wrapf(err, "read specification %s", path)
	}
	return string(raw), nil
}
