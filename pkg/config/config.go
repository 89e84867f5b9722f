// Package config loads the dfanalyzer process configuration.
//
// Values come, in decreasing precedence, from command line flags, DFA_
// prefixed environment variables, an optional YAML or JSON config file and
// the defaults below. Nested keys map to environment variables by replacing
// "." with "_", so "checkpoint.persist_dir" is read from DFA_CHECKPOINT_PERSIST_DIR.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DFA"

// Keys of the configuration values.
const (
	KeyLogLevel         = "log.level"
	KeySpec             = "job.spec"
	KeyInput            = "job.input"
	KeyOutput           = "job.output"
	KeyModelOutput      = "model.output"
	KeyModelChunkSize   = "model.chunk_size"
	KeyPretty           = "model.pretty"
	KeyPersistDir       = "checkpoint.persist_dir"
	KeyRestoreDir       = "checkpoint.restore_dir"
	KeyMonitorInterval  = "monitor.interval"
	KeyMetricsDump      = "metrics.dump"
	defaultStream       = "-"
	defaultLogLevel     = "info"
	defaultChunkSize    = 100000
	defaultMonitorEvery = 20 * time.Millisecond
)

// Config is the dfanalyzer configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Job        JobConfig        `mapstructure:"job"`
	Model      ModelConfig      `mapstructure:"model"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// LogConfig sets the minimum level of the zerolog logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
}

// JobConfig locates the inputs and the output of an analysis job. "-" means
// standard input or output.
type JobConfig struct {
	Spec   string `mapstructure:"spec"`
	Input  string `mapstructure:"input"`
	Output string `mapstructure:"output" validate:"required"`
}

// ModelConfig controls how a trained model is exported.
type ModelConfig struct {
	// Output, when set, receives the inference model definition as JSON.
	Output    string `mapstructure:"output"`
	ChunkSize int    `mapstructure:"chunk_size" validate:"gt=0"`
	Pretty    bool   `mapstructure:"pretty"`
}

// CheckpointConfig names the badger directories used to persist and restore
// trained forests.
type CheckpointConfig struct {
	PersistDir string `mapstructure:"persist_dir"`
	RestoreDir string `mapstructure:"restore_dir"`
}

// MonitorConfig sets how often progress is polled while an analysis runs.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// MetricsConfig enables dumping the program counters once the job ends.
type MetricsConfig struct {
	Dump bool `mapstructure:"dump"`
}

var defaults = map[string]any{
	KeyLogLevel:        defaultLogLevel,
	KeySpec:            "",
	KeyInput:           defaultStream,
	KeyOutput:          defaultStream,
	KeyModelOutput:     "",
	KeyModelChunkSize:  defaultChunkSize,
	KeyPretty:          false,
	KeyPersistDir:      "",
	KeyRestoreDir:      "",
	KeyMonitorInterval: defaultMonitorEvery,
	KeyMetricsDump:     false,
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: defaultLogLevel},
		Job:     JobConfig{Input: defaultStream, Output: defaultStream},
		Model:   ModelConfig{ChunkSize: defaultChunkSize},
		Monitor: MonitorConfig{Interval: defaultMonitorEvery},
	}
}

// Binding ties a flag to a configuration key.
type Binding struct {
	Key  string
	Flag string
}

// Load reads the configuration. configFile may be empty. Flags listed in
// bindings override every other source when they are set on the command line.
func Load(configFile string, flags *pflag.FlagSet, bindings ...Binding) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", configFile)
		}
	}
	if flags != nil {
		for _, b := range bindings {
			flag := flags.Lookup(b.Flag)
			if flag == nil {
				return nil, errors.Newf("config: unknown flag %q for key %s", b.Flag, b.Key)
			}
			if err := v.BindPFlag(b.Key, flag); err != nil {
				return nil, errors.Wrapf(err, "config: bind flag %s", b.Flag)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return field.Tag.Get("mapstructure")
	})
	return v
}()

// Validate checks the value ranges. A failure names the configuration key.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var failures validator.ValidationErrors
	if !errors.As(err, &failures) || len(failures) == 0 {
		return err
	}
	first := failures[0]
	key := first.Namespace()
	if _, nested, ok := strings.Cut(key, "."); ok {
		key = nested
	}
	return errors.NewInvalidSpecificationError(key, "failed "+first.Tag(), first.Value())
}
