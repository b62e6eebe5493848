// Package config loads and normalizes the controller configuration. A loaded
// Config is treated as immutable and passed explicitly to every component.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/beeper/astrorelay/pkg/schedule"
	"github.com/beeper/astrorelay/pkg/twilight"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// MaxOffsetMinutes bounds every configured offset.
const MaxOffsetMinutes = 180

type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Location    LocationConfig    `yaml:"location"`
	Twilight    TwilightConfig    `yaml:"twilight"`
	Guards      GuardsConfig      `yaml:"guards"`
	Schedules   Schedules         `yaml:"schedules"`
	State       StateConfig       `yaml:"state"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Ops         OpsConfig         `yaml:"ops"`
	Logging     LoggingConfig     `yaml:"logging"`
	Verbose     bool              `yaml:"verbose"`

	// Warnings collects non-fatal normalization notes for the caller to log.
	Warnings []string `yaml:"-"`
}

type DeviceConfig struct {
	Transport  string        `yaml:"transport"`
	Address    string        `yaml:"address"`
	MQTT       MQTTConfig    `yaml:"mqtt"`
	RelayID    int           `yaml:"relay_id"`
	ScriptID   int           `yaml:"script_id"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type LocationConfig struct {
	Lat      float64 `yaml:"lat"`
	Lng      float64 `yaml:"lng"`
	Timezone string  `yaml:"timezone"`

	loc *time.Location
}

// TimeZone returns the loaded location. It is only valid after Load.
func (l LocationConfig) TimeZone() *time.Location {
	if l.loc == nil {
		return time.Local
	}
	return l.loc
}

type TwilightConfig struct {
	Morning     twilight.Kind `yaml:"morning"`
	Evening     twilight.Kind `yaml:"evening"`
	BaseURL     string        `yaml:"base_url"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type GuardsConfig struct {
	MorningRequireRefAfterOn   bool `yaml:"morning_require_ref_after_on"`
	EveningRequireRefBeforeOff bool `yaml:"evening_require_ref_before_off"`
}

type MorningSchedule struct {
	Enabled      bool `yaml:"enabled"`
	OnHour       int  `yaml:"on_hour"`
	OnMinute     int  `yaml:"on_minute"`
	OffOffsetMin int  `yaml:"off_offset_min"`
}

func (m MorningSchedule) OnTime() schedule.TimeOfDay {
	return schedule.At(m.OnHour, m.OnMinute)
}

type EveningSchedule struct {
	Enabled              bool `yaml:"enabled"`
	OnOffsetBeforeRefMin int  `yaml:"on_offset_before_ref_min"`
	OffHour              int  `yaml:"off_hour"`
	OffMinute            int  `yaml:"off_minute"`
}

func (e EveningSchedule) OffTime() schedule.TimeOfDay {
	return schedule.At(e.OffHour, e.OffMinute)
}

type DaySchedule struct {
	Morning MorningSchedule `yaml:"morning"`
	Evening EveningSchedule `yaml:"evening"`
}

type Schedules struct {
	Weekday DaySchedule `yaml:"weekday"`
	Weekend DaySchedule `yaml:"weekend"`
}

// DayType selects the active sub-schedule set.
type DayType int

const (
	Weekday DayType = iota
	Weekend
)

func (d DayType) String() string {
	if d == Weekend {
		return "weekend"
	}
	return "weekday"
}

// DayTypeOf classifies t by its calendar day in t's own location.
func DayTypeOf(t time.Time) DayType {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return Weekend
	default:
		return Weekday
	}
}

func (s Schedules) For(day DayType) DaySchedule {
	if day == Weekend {
		return s.Weekend
	}
	return s.Weekday
}

type StateConfig struct {
	Backend    string    `yaml:"backend"`
	SQLitePath string    `yaml:"sqlite_path"`
	Keys       StateKeys `yaml:"keys"`
}

type StateKeys struct {
	LastEveOn       string `yaml:"last_eve_on"`
	LastMornOff     string `yaml:"last_morn_off"`
	LastSuccessDate string `yaml:"last_success_date"`
}

// MaintenanceJob is a daily Script.Eval trigger that runs one routine.
type MaintenanceJob struct {
	At   string `yaml:"at"`
	Code string `yaml:"code"`

	at schedule.TimeOfDay
}

// Time returns the parsed trigger time.
func (m MaintenanceJob) Time() schedule.TimeOfDay {
	return m.at
}

type MaintenanceConfig struct {
	Recompute    MaintenanceJob `yaml:"recompute"`
	Guard        MaintenanceJob `yaml:"guard"`
	Status       MaintenanceJob `yaml:"status"`
	StartupDelay time.Duration  `yaml:"startup_delay"`

	// LocalTriggers runs the routines from the controller's own clock as well.
	LocalTriggers bool `yaml:"local_triggers"`
}

// Routine names a maintenance routine independent of its device code.
type Routine string

const (
	RoutineRecompute Routine = "recompute"
	RoutineGuard     Routine = "guard"
	RoutineStatus    Routine = "status"
)

// RoutineForCode maps a Script.Eval code back to its routine.
func (m MaintenanceConfig) RoutineForCode(code string) (Routine, bool) {
	switch strings.TrimSpace(code) {
	case m.Recompute.Code:
		return RoutineRecompute, true
	case m.Guard.Code:
		return RoutineGuard, true
	case m.Status.Code:
		return RoutineStatus, true
	}
	return "", false
}

type OpsConfig struct {
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Timestamps bool   `yaml:"timestamps"`
}

// Default returns the embedded example configuration, normalized.
func Default() (*Config, error) {
	return Parse("", nil)
}

// Load reads path and overlays it on the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse overlays data on the defaults. The file name decides the format:
// .json and .json5 are JSON5, anything else is YAML.
func Parse(name string, data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("parse default config: %w", err)
	}
	if len(data) > 0 {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".json", ".json5":
			converted, err := json5ToYAML(data)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
			}
			data = converted
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// json5ToYAML re-encodes a JSON5 document as YAML so both formats share one
// decoder, including duration strings.
func json5ToYAML(data []byte) ([]byte, error) {
	var generic any
	if err := json5.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse json5: %w", err)
	}
	return yaml.Marshal(generic)
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
