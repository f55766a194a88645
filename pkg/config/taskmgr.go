package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
)

const (
	QdbTypeEtcd = "etcd"
	QdbTypeMem  = "mem"
)

const (
	DefaultWaitPollInterval    = 100 * time.Millisecond
	DefaultWaitMaxPollInterval = 5 * time.Second
	DefaultLookupMaxRetries    = 3
	DefaultLookupRetryBase     = 50 * time.Millisecond
	DefaultStatsConcurrency    = 8
	DefaultScanRateLimit       = 50.0
	DefaultScanBurst           = 10
	DefaultLocalParallelism    = 4
	DefaultLocalRetention      = 10 * time.Minute
	DefaultLocalRetentionSize  = 1024
	DefaultQdbDialTimeout      = 5 * time.Second
)

var cfgTaskManager TaskManager

type TaskManager struct {
	LogLevel      string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile       string `json:"log_file" toml:"log_file" yaml:"log_file"`
	PrettyLogging bool   `json:"pretty_logging" toml:"pretty_logging" yaml:"pretty_logging"`

	QdbType          string        `json:"qdb_type" toml:"qdb_type" yaml:"qdb_type"`
	QdbAddr          string        `json:"qdb_addr" toml:"qdb_addr" yaml:"qdb_addr"`
	QdbDialTimeout   time.Duration `json:"qdb_dial_timeout" toml:"qdb_dial_timeout" yaml:"qdb_dial_timeout"`
	MemQdbBackupPath string        `json:"memqdb_backup_path" toml:"memqdb_backup_path" yaml:"memqdb_backup_path"`

	// Groups that must have an owning module once the registry starts.
	RequiredGroups []string `json:"required_groups" toml:"required_groups" yaml:"required_groups"`
	// Groups served by the node-local concrete task module.
	ConcreteGroups []string `json:"concrete_groups" toml:"concrete_groups" yaml:"concrete_groups"`

	WaitPollInterval    time.Duration `json:"wait_poll_interval" toml:"wait_poll_interval" yaml:"wait_poll_interval"`
	WaitMaxPollInterval time.Duration `json:"wait_max_poll_interval" toml:"wait_max_poll_interval" yaml:"wait_max_poll_interval"`
	LookupMaxRetries    int           `json:"lookup_max_retries" toml:"lookup_max_retries" yaml:"lookup_max_retries"`
	LookupRetryBase     time.Duration `json:"lookup_retry_base" toml:"lookup_retry_base" yaml:"lookup_retry_base"`
	StatsConcurrency    int           `json:"stats_concurrency" toml:"stats_concurrency" yaml:"stats_concurrency"`
	ScanRateLimit       float64       `json:"scan_rate_limit" toml:"scan_rate_limit" yaml:"scan_rate_limit"`
	ScanBurst           int           `json:"scan_burst" toml:"scan_burst" yaml:"scan_burst"`

	LocalParallelism   int           `json:"local_parallelism" toml:"local_parallelism" yaml:"local_parallelism"`
	LocalRetention     time.Duration `json:"local_retention" toml:"local_retention" yaml:"local_retention"`
	LocalRetentionSize int           `json:"local_retention_size" toml:"local_retention_size" yaml:"local_retention_size"`
}

func (c *TaskManager) UnmarshalJSON(data []byte) error {
	type plain TaskManager
	aux := struct {
		*plain
		QdbDialTimeout      jsonDuration `json:"qdb_dial_timeout"`
		WaitPollInterval    jsonDuration `json:"wait_poll_interval"`
		WaitMaxPollInterval jsonDuration `json:"wait_max_poll_interval"`
		LookupRetryBase     jsonDuration `json:"lookup_retry_base"`
		LocalRetention      jsonDuration `json:"local_retention"`
	}{
		plain:               (*plain)(c),
		QdbDialTimeout:      jsonDuration(c.QdbDialTimeout),
		WaitPollInterval:    jsonDuration(c.WaitPollInterval),
		WaitMaxPollInterval: jsonDuration(c.WaitMaxPollInterval),
		LookupRetryBase:     jsonDuration(c.LookupRetryBase),
		LocalRetention:      jsonDuration(c.LocalRetention),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.QdbDialTimeout = time.Duration(aux.QdbDialTimeout)
	c.WaitPollInterval = time.Duration(aux.WaitPollInterval)
	c.WaitMaxPollInterval = time.Duration(aux.WaitMaxPollInterval)
	c.LookupRetryBase = time.Duration(aux.LookupRetryBase)
	c.LocalRetention = time.Duration(aux.LocalRetention)
	return nil
}

// LoadTaskManagerCfg loads the task manager configuration from the specified file path.
//
// Parameters:
//   - cfgPath (string): The path of the configuration file.
//
// Returns:
//   - string: JSON-formatted config
//   - error: An error if any occurred during the loading process.
func LoadTaskManagerCfg(cfgPath string) (string, error) {
	var tcfg TaskManager
	file, err := os.Open(cfgPath)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()

	if err := initConfig(file, &tcfg); err != nil {
		return "", err
	}
	if err := tcfg.Validate(); err != nil {
		return "", err
	}
	cfgTaskManager = tcfg

	configBytes, err := json.MarshalIndent(&cfgTaskManager, "", "  ")
	if err != nil {
		return "", err
	}

	return string(configBytes), nil
}

// TaskManagerConfig returns a pointer to the loaded task manager configuration.
func TaskManagerConfig() *TaskManager {
	return &cfgTaskManager
}

// Validate checks settings that have no sensible default.
func (c *TaskManager) Validate() error {
	switch c.QdbType {
	case "", QdbTypeMem:
	case QdbTypeEtcd:
		if c.QdbAddr == "" {
			return spqrerror.New(spqrerror.SPQR_CONFIG_ERROR, "qdb_addr is required for etcd qdb")
		}
	default:
		return spqrerror.Newf(spqrerror.SPQR_CONFIG_ERROR, "qdb implementation %s is invalid", c.QdbType)
	}
	if c.WaitPollInterval < 0 || c.WaitMaxPollInterval < 0 {
		return spqrerror.New(spqrerror.SPQR_CONFIG_ERROR, "wait poll intervals must not be negative")
	}
	if c.WaitPollInterval > 0 && c.WaitMaxPollInterval > 0 && c.WaitMaxPollInterval < c.WaitPollInterval {
		return spqrerror.Newf(spqrerror.SPQR_CONFIG_ERROR,
			"wait_max_poll_interval %s is below wait_poll_interval %s", c.WaitMaxPollInterval, c.WaitPollInterval)
	}
	return nil
}

func (c *TaskManager) GetWaitPollInterval() time.Duration {
	return ValueOrDefaultDuration(c.WaitPollInterval, DefaultWaitPollInterval)
}

func (c *TaskManager) GetWaitMaxPollInterval() time.Duration {
	return ValueOrDefaultDuration(c.WaitMaxPollInterval, max(DefaultWaitMaxPollInterval, c.GetWaitPollInterval()))
}

func (c *TaskManager) GetLookupMaxRetries() int {
	return ValueOrDefaultInt(c.LookupMaxRetries, DefaultLookupMaxRetries)
}

func (c *TaskManager) GetLookupRetryBase() time.Duration {
	return ValueOrDefaultDuration(c.LookupRetryBase, DefaultLookupRetryBase)
}

func (c *TaskManager) GetStatsConcurrency() int {
	return ValueOrDefaultInt(c.StatsConcurrency, DefaultStatsConcurrency)
}

func (c *TaskManager) GetScanRateLimit() float64 {
	if c.ScanRateLimit <= 0 {
		return DefaultScanRateLimit
	}
	return c.ScanRateLimit
}

func (c *TaskManager) GetScanBurst() int {
	return ValueOrDefaultInt(c.ScanBurst, DefaultScanBurst)
}

func (c *TaskManager) GetLocalParallelism() int {
	return ValueOrDefaultInt(c.LocalParallelism, DefaultLocalParallelism)
}

func (c *TaskManager) GetLocalRetention() time.Duration {
	return ValueOrDefaultDuration(c.LocalRetention, DefaultLocalRetention)
}

func (c *TaskManager) GetLocalRetentionSize() int {
	return ValueOrDefaultInt(c.LocalRetentionSize, DefaultLocalRetentionSize)
}

func (c *TaskManager) GetQdbDialTimeout() time.Duration {
	return ValueOrDefaultDuration(c.QdbDialTimeout, DefaultQdbDialTimeout)
}
