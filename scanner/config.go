package scanner

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const defaultFullScanCron = "0 2 * * *"

var validate = validator.New()

// CronSpec accepts either:
//  1. a standard 5-field cron expression:
//     full_scan_cron: "0 2 * * *"
//  2. the daily shorthand:
//     full_scan_cron: "02:00"
//  3. a mapping:
//     full_scan_cron: {hour: 2, minute: 0}
type CronSpec struct {
	Expr string
}

func (c *CronSpec) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		expr, err := parseCronScalar(value.Value)
		if err != nil {
			return err
		}
		c.Expr = expr
		return nil
	case yaml.MappingNode:
		var tmp struct {
			Hour   *int `yaml:"hour"`
			Minute int  `yaml:"minute"`
		}
		if err := value.Decode(&tmp); err != nil {
			return err
		}
		if tmp.Hour == nil {
			return fmt.Errorf("full_scan_cron: mapping form needs hour")
		}
		return c.setDaily(*tmp.Hour, tmp.Minute)
	default:
		return fmt.Errorf("full_scan_cron: unsupported yaml kind")
	}
}

func (c *CronSpec) setDaily(hour, minute int) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("full_scan_cron: invalid time %02d:%02d", hour, minute)
	}
	c.Expr = fmt.Sprintf("%d %d * * *", minute, hour)
	return nil
}

func parseCronScalar(v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", nil
	}
	if h, m, ok := strings.Cut(v, ":"); ok && !strings.Contains(v, " ") {
		hour, err1 := strconv.Atoi(h)
		minute, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("full_scan_cron: invalid HH:MM %q", v)
		}
		var c CronSpec
		if err := c.setDaily(hour, minute); err != nil {
			return "", err
		}
		return c.Expr, nil
	}
	return v, nil
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres postgresql"`
	DSN    string `yaml:"dsn" validate:"required"`
}

type ScheduleConfig struct {
	IncrementalIntervalMinutes int      `yaml:"incremental_interval_minutes" validate:"gte=1"`
	IncrementalWindowMinutes   int      `yaml:"incremental_window_minutes" validate:"gte=1"`
	FullScanCron               CronSpec `yaml:"full_scan_cron"`
	// IANA name; empty means the host's local zone.
	Timezone string `yaml:"timezone"`
}

type ScanConfig struct {
	Workers            int           `yaml:"workers" validate:"gte=1,lte=64"`
	CallTimeout        time.Duration `yaml:"call_timeout"`
	IncrementalTimeout time.Duration `yaml:"incremental_timeout"`
	FullTimeout        time.Duration `yaml:"full_timeout"`
	FullGuardWait      time.Duration `yaml:"full_guard_wait"`
	HashHexLen         int           `yaml:"hash_hex_len" validate:"gte=8,lte=64"`
}

type RelayConfig struct {
	AMQPURL  string `yaml:"amqp_url" validate:"omitempty,url"`
	Exchange string `yaml:"exchange"`
}

type HeartbeatConfig struct {
	SyslogAddr string `yaml:"syslog_addr" validate:"omitempty,hostname_port"`
	Service    string `yaml:"service"`
	// Fixed labels emitted to syslog structured-data.
	FixedLabels map[string]string `yaml:"fixed_labels"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type FileConfig struct {
	Debug bool   `yaml:"debug"`
	Job   string `yaml:"job"`

	Database  DatabaseConfig  `yaml:"database"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Scan      ScanConfig      `yaml:"scan"`
	Relay     RelayConfig     `yaml:"relay"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LoadConfig reads a YAML file, expanding ${VAR} references from the
// environment before parsing. Defaults are not applied.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *FileConfig) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "motosec.db"
	}
	if c.Schedule.IncrementalIntervalMinutes == 0 {
		c.Schedule.IncrementalIntervalMinutes = 5
	}
	if c.Schedule.IncrementalWindowMinutes == 0 {
		c.Schedule.IncrementalWindowMinutes = 10
	}
	if c.Schedule.FullScanCron.Expr == "" {
		c.Schedule.FullScanCron.Expr = defaultFullScanCron
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = 4
	}
	if c.Scan.CallTimeout == 0 {
		c.Scan.CallTimeout = 10 * time.Second
	}
	if c.Scan.IncrementalTimeout == 0 {
		c.Scan.IncrementalTimeout = 4 * time.Minute
	}
	if c.Scan.FullTimeout == 0 {
		c.Scan.FullTimeout = 30 * time.Minute
	}
	if c.Scan.FullGuardWait == 0 {
		c.Scan.FullGuardWait = c.Scan.IncrementalTimeout + time.Minute
	}
	if c.Scan.HashHexLen == 0 {
		c.Scan.HashHexLen = defaultHashHexLen
	}
	if c.Relay.Exchange == "" {
		c.Relay.Exchange = defaultRelayExchange
	}
	if c.Heartbeat.Service == "" {
		c.Heartbeat.Service = "motosec"
	}
	if c.Job == "" {
		c.Job = "moto-security-worker"
	}
}

// Validate checks struct tags, then the pieces tags cannot express.
func (c *FileConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Schedule.IncrementalWindowMinutes < c.Schedule.IncrementalIntervalMinutes {
		return fmt.Errorf("invalid config: incremental_window_minutes (%d) is shorter than incremental_interval_minutes (%d)",
			c.Schedule.IncrementalWindowMinutes, c.Schedule.IncrementalIntervalMinutes)
	}
	if _, err := cron.ParseStandard(c.Schedule.FullScanCron.Expr); err != nil {
		return fmt.Errorf("invalid config: full_scan_cron %q: %w", c.Schedule.FullScanCron.Expr, err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	return nil
}

func (c *FileConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Schedule.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

func (c *FileConfig) DatabaseOptions() DatabaseOptions {
	return DatabaseOptions{Driver: c.Database.Driver, DSN: c.Database.DSN, Debug: c.Debug}
}

func (c *FileConfig) WorkerConfig() WorkerConfig {
	return WorkerConfig{
		IncrementalInterval: time.Duration(c.Schedule.IncrementalIntervalMinutes) * time.Minute,
		IncrementalWindow:   time.Duration(c.Schedule.IncrementalWindowMinutes) * time.Minute,
		Workers:             c.Scan.Workers,
		CallTimeout:         c.Scan.CallTimeout,
		IncrementalTimeout:  c.Scan.IncrementalTimeout,
		FullTimeout:         c.Scan.FullTimeout,
		FullGuardWait:       c.Scan.FullGuardWait,
		HashHexLen:          c.Scan.HashHexLen,
		JobLabel:            c.Job,
		ServiceLabel:        c.Heartbeat.Service,
		FixedLabels:         c.Heartbeat.FixedLabels,
	}
}
