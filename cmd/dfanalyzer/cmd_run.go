package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/YuminosukeSato/dfanalytics/analysis"
	"github.com/YuminosukeSato/dfanalytics/boostedtree"
	"github.com/YuminosukeSato/dfanalytics/core/counters"
	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/core/persist"
	"github.com/YuminosukeSato/dfanalytics/inference"
	"github.com/YuminosukeSato/dfanalytics/pkg/config"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
	"github.com/YuminosukeSato/dfanalytics/pkg/log"
)

// checkpointIndex is the badger index trained forests are stored under.
const checkpointIndex = "dfanalyzer_checkpoints"

func runAnalysis(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.GetLoggerWithName("dfanalyzer")

	specJSON, err := readSpecification(cmd, cfg.Job.Spec)
	if err != nil {
		return err
	}

	stores, err := openCheckpointStores(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer stores.Close()

	set := counters.New()
	opts := append([]analysis.Option{analysis.WithCounters(set)}, stores.options()...)
	spec, err := analysis.Parse(specJSON, opts...)
	if err != nil {
		// The analyzer still consumes the input and reports the failure.
		logger.Warn("Invalid specification", err, log.OperationKey, log.OperationParse)
	}

	out, err := openOutput(cmd, cfg.Job.Output)
	if err != nil {
		return err
	}
	defer out.Close()
	buffered := bufio.NewWriter(out)
	defer buffered.Flush()

	var model *inference.Definition
	analyzer, err := analysis.NewAnalyzer(spec, jsonwriter.New(buffered),
		analysis.WithMonitorInterval(cfg.Monitor.Interval),
		analysis.WithModelChunkSize(cfg.Model.ChunkSize),
		analysis.WithModelObserver(func(d *inference.Definition) { model = d }))
	if err != nil {
		return err
	}

	in, err := openInput(cmd, cfg.Job.Input)
	if err != nil {
		return err
	}
	defer in.Close()

	runErr := feedCSV(in, analyzer)
	if err := buffered.Flush(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "flush output")
	}
	if cfg.Metrics.Dump {
		if err := dumpCounters(cmd.ErrOrStderr(), set, spec.JobID()); err != nil {
			logger.Warn("Failed dumping program counters", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if cfg.Model.Output != "" && model != nil {
		if err := writeModel(cfg.Model, model); err != nil {
			return err
		}
		logger.Info("Wrote model definition", log.OperationKey, log.OperationWrite, "path", cfg.Model.Output)
	}
	return nil
}

// feedCSV hands every CSV record to the analyzer and then ends the input. The
// first record is the header. Records whose length differs from the header are
// skipped.
func feedCSV(r io.Reader, analyzer *analysis.Analyzer) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return analyzer.Finish()
	}
	if err != nil {
		return errors.Wrap(err, "read CSV header")
	}
	hasControl := len(header) > 0 && header[len(header)-1] == analysis.ControlFieldName

	for row := 0; ; row++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read CSV record %d", row)
		}
		if len(record) != len(header) {
			analyzer.SkipRecord(fmt.Sprintf("expected %d fields, got %d", len(header), len(record)))
			continue
		}
		if err := analyzer.HandleRecord(header, record); err != nil {
			return err
		}
		if hasControl && record[len(record)-1] == analysis.RunAnalysisControlValue {
			return nil
		}
	}
	return analyzer.Finish()
}

func writeModel(cfg config.ModelConfig, model *inference.Definition) error {
	raw, err := model.JSON()
	if err != nil {
		return errors.Wrap(err, "encode model definition")
	}
	if cfg.Pretty {
		raw = pretty.Pretty(raw)
	}
	if err := os.WriteFile(cfg.Output, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write model definition %s", cfg.Output)
	}
	return nil
}

// dumpCounters prints the program counters as gathered by a prometheus registry.
func dumpCounters(w io.Writer, set *counters.Set, jobID string) error {
	registry := prometheus.NewRegistry()
	set.Register(registry, jobID)
	families, err := registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gather program counters")
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if _, err := fmt.Fprintf(w, "%s %g\n", family.GetName(), metric.GetGauge().GetValue()); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkpointStores holds the badger stores used to persist and restore the
// trained forest. Both may be the same store.
type checkpointStores struct {
	persist *persist.Store
	restore *persist.Store
}

func openCheckpointStores(cfg config.CheckpointConfig) (*checkpointStores, error) {
	stores := &checkpointStores{}
	if cfg.PersistDir != "" {
		store, err := persist.Open(persist.Config{Path: cfg.PersistDir, SyncWrites: true})
		if err != nil {
			return nil, err
		}
		stores.persist = store
	}
	switch {
	case cfg.RestoreDir == "":
	case cfg.RestoreDir == cfg.PersistDir:
		stores.restore = stores.persist
	default:
		store, err := persist.Open(persist.Config{Path: cfg.RestoreDir})
		if err != nil {
			stores.Close()
			return nil, err
		}
		stores.restore = store
	}
	return stores, nil
}

func (s *checkpointStores) options() []analysis.Option {
	var opts []analysis.Option
	if s.persist != nil {
		store := s.persist
		opts = append(opts, analysis.WithPersisterSupplier(func() (persist.DataAdder, error) {
			return store.Adder(checkpointIndex), nil
		}))
	}
	if s.restore != nil {
		store := s.restore
		opts = append(opts, analysis.WithRestoreSearcherSupplier(func() (persist.DataSearcher, error) {
			ids, err := store.Documents(checkpointIndex)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if id == boostedtree.CheckpointID {
					return store.Searcher(checkpointIndex, id), nil
				}
			}
			return nil, nil
		}))
	}
	return opts
}

func (s *checkpointStores) Close() {
	if s.persist != nil {
		_ = s.persist.Close()
	}
	if s.restore != nil && s.restore != s.persist {
		_ = s.restore.Close()
	}
}
