package log

// Job and component context.
const (
	// JobIDKey identifies the analytics job.
	JobIDKey = "job.id"

	// AnalysisKey is the registered analysis name, e.g. "regression".
	AnalysisKey = "analysis.name"

	// TaskKey is the progress-monitored task, e.g. "coarse_parameter_search".
	TaskKey = "analysis.task"

	// ComponentKey identifies the package or subsystem emitting the record.
	ComponentKey = "component"

	// OperationKey names the operation being performed.
	OperationKey = "operation"
)

// Data frame shape.
const (
	RowsKey           = "data.rows"
	ColumnsKey        = "data.columns"
	ExtraColumnsKey   = "data.extra_columns"
	CategoricalKey    = "data.categorical_fields"
	SliceCapacityKey  = "data.slice_capacity"
	DependentFieldKey = "data.dependent_variable"
	MissingValueKey   = "data.missing_value"
	SkippedRowsKey    = "data.skipped_rows"
	TrainingRowsKey   = "data.training_rows"
	NumberClassesKey  = "data.classes"
)

// Execution strategy and resources.
const (
	PartitionsKey       = "strategy.partitions"
	RowsPerPartitionKey = "strategy.rows_per_partition"
	ThreadsKey          = "strategy.threads"
	InMainMemoryKey     = "strategy.in_main_memory"
	MemoryLimitKey      = "perf.memory_limit_bytes"
	MemoryUsageKey      = "perf.memory_bytes"
	MemoryStatusKey     = "perf.memory_status"
	DurationMsKey       = "perf.duration_ms"
	TempDirKey          = "perf.temp_dir"
)

// Training.
const (
	IterationKey = "train.iteration"
	TreesKey     = "train.trees"
	LossKey      = "train.loss"
	LossTypeKey  = "train.loss_type"
)

// Operation values.
const (
	OperationParse    = "parse"
	OperationValidate = "validate"
	OperationRun      = "run"
	OperationEstimate = "estimate_memory"
	OperationWrite    = "write_results"
	OperationPersist  = "persist"
	OperationRestore  = "restore"
)
