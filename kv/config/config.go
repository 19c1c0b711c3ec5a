package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	EngineBadger = "badger"
	EngineMemory = "memory"
)

type Config struct {
	// Directory to store the data in. Should exist and be writable.
	DBPath string `toml:"db-path" json:"db-path"`
	// Storage engine backing the catalogs, one of "badger" or "memory".
	Engine string `toml:"engine" json:"engine"`

	LogLevel   string `toml:"log-level" json:"log-level"`
	LogFile    string `toml:"log-file" json:"log-file"`
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	ValueLogFileSize ByteSize `toml:"value-log-file-size" json:"value-log-file-size"`

	// WAL appends and header stores are retried on transient engine errors.
	WalRetryAttempts uint64   `toml:"wal-retry-attempts" json:"wal-retry-attempts"`
	WalRetryBackoff  Duration `toml:"wal-retry-backoff" json:"wal-retry-backoff"`

	// Record every root mutation in the traffic log.
	TrafficRecording bool `toml:"traffic-recording" json:"traffic-recording"`
}

func (c *Config) Validate() error {
	switch c.Engine {
	case EngineBadger:
		if c.DBPath == "" {
			return fmt.Errorf("db-path must be set for the %s engine", EngineBadger)
		}
	case EngineMemory:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}

	if c.WalRetryAttempts == 0 {
		return fmt.Errorf("wal-retry-attempts must be greater than 0")
	}

	if c.ValueLogFileSize < ByteSize(MB) {
		log.Warn("value log file size is very small, badger will rotate files often",
			zap.String("size", c.ValueLogFileSize.String()))
	}

	return nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		DBPath:           "/tmp/tinycatalog",
		Engine:           EngineBadger,
		LogLevel:         getLogLevel(),
		StatusAddr:       "127.0.0.1:20180",
		ValueLogFileSize: ByteSize(256 * MB),
		WalRetryAttempts: 5,
		WalRetryBackoff:  NewDuration(50 * time.Millisecond),
	}
}

func NewTestConfig() *Config {
	return &Config{
		Engine:           EngineMemory,
		LogLevel:         getLogLevel(),
		ValueLogFileSize: ByteSize(16 * MB),
		WalRetryAttempts: 2,
		WalRetryBackoff:  NewDuration(time.Millisecond),
	}
}

// LoadFile decodes the TOML file at path over the defaults. Unknown keys are returned as warnings.
func LoadFile(path string) (*Config, []string, error) {
	conf := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "decode config file %s", path)
	}
	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, "config contains undefined item: "+key.String())
	}
	return conf, warnings, nil
}

func (c *Config) String() string {
	return fmt.Sprintf("engine=%s db-path=%s log-level=%s status-addr=%s value-log-file-size=%s wal-retry=%d/%s",
		c.Engine, c.DBPath, c.LogLevel, c.StatusAddr, c.ValueLogFileSize, c.WalRetryAttempts, c.WalRetryBackoff.Duration)
}

// ByteSize is a size in bytes that decodes from human strings such as "64MB".
type ByteSize uint64

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Annotatef(err, "parse byte size %q", text)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Duration wraps time.Duration so it can be written as "1s" in config files.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
