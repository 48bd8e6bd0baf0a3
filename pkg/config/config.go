package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SecondsPerYear converts half-lives given in years.
const SecondsPerYear = 365.25 * 24 * 60 * 60

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Reference   ReferenceConfig   `yaml:"reference"`
	Background  CountConfig       `yaml:"background"`
	Efficiency  EfficiencyConfig  `yaml:"efficiency"`
	QC          QCConfig          `yaml:"qc"`
	Routine     RoutineConfig     `yaml:"routine"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// AcquisitionConfig holds the protocol timing shared by all sessions.
type AcquisitionConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`       // Sleep between readiness checks
	SetTimeDelay      time.Duration `yaml:"set_time_delay"`      // Settle time after the time-set command
	ClearDelay        time.Duration `yaml:"clear_delay"`         // Settle time before clearing buffers
	StaleElapsed      time.Duration `yaml:"stale_elapsed"`       // Packets older than this at sync are leftovers
	WatchdogTimeout   time.Duration `yaml:"watchdog_timeout"`    // Silence window, 0 = connectivity check only
	LowCountThreshold float64       `yaml:"low_count_threshold"` // CPM below which Poisson stddev is used
}

// ReferenceConfig contains background reference rates used for net counts.
type ReferenceConfig struct {
	BackgroundAlphaCPM float64       `yaml:"background_alpha_cpm"`
	BackgroundBetaCPM  float64       `yaml:"background_beta_cpm"`
	BackgroundTime     time.Duration `yaml:"background_time"` // Count time the references were measured over
}

// CountConfig is the sample plan of a session.
type CountConfig struct {
	SampleTime  time.Duration `yaml:"sample_time"`
	SampleCount int           `yaml:"sample_count"`
}

// SourceConfig describes a certified check or calibration source.
type SourceConfig struct {
	Channel       string    `yaml:"channel"` // "alpha" or "beta"
	ActivityDPM   float64   `yaml:"activity_dpm"`
	Certified     time.Time `yaml:"certified"`
	HalfLifeYears float64   `yaml:"half_life_years"`
}

// HalfLifeSeconds returns the source half-life in seconds.
func (s SourceConfig) HalfLifeSeconds() float64 {
	return s.HalfLifeYears * SecondsPerYear
}

// LimitsConfig holds lower/upper control limits for both channels.
type LimitsConfig struct {
	AlphaLo float64 `yaml:"alpha_lo"`
	AlphaHi float64 `yaml:"alpha_hi"`
	BetaLo  float64 `yaml:"beta_lo"`
	BetaHi  float64 `yaml:"beta_hi"`
}

// EfficiencyConfig contains calibration parameters.
type EfficiencyConfig struct {
	CountConfig `yaml:",inline"`
	Source      SourceConfig `yaml:"source"`
}

// QCConfig contains daily check parameters.
type QCConfig struct {
	CountConfig      `yaml:",inline"`
	Source           SourceConfig `yaml:"source"`
	BackgroundLimits LimitsConfig `yaml:"background_limits"`
	SourceLimits     LimitsConfig `yaml:"source_limits"`
}

// RoutineConfig contains routine sample counting parameters.
type RoutineConfig struct {
	CountConfig     `yaml:",inline"`
	Mode            string  `yaml:"mode"`             // "time" or "mda"
	EfficiencyAlpha float64 `yaml:"efficiency_alpha"` // percent
	EfficiencyBeta  float64 `yaml:"efficiency_beta"`  // percent
	SelfAbsorption  float64 `yaml:"self_absorption"`
	Backscatter     float64 `yaml:"backscatter"`
	AreaFactor      float64 `yaml:"area_factor"`
	MDATargetAlpha  float64 `yaml:"mda_target_alpha"` // DPM
	MDATargetBeta   float64 `yaml:"mda_target_beta"`  // DPM
}

// MockConfig contains mock instrument configuration.
type MockConfig struct {
	AlphaCPM       float64        `yaml:"alpha_cpm"`       // Simulated alpha rate
	BetaCPM        float64        `yaml:"beta_cpm"`        // Simulated beta rate
	TimeStep       time.Duration  `yaml:"time_step"`       // Simulated elapsed time per packet
	StaleCarryover bool           `yaml:"stale_carryover"` // Leave a packet from a "previous run" in the buffer
	Script         []MockInterval `yaml:"script"`          // Final totals per interval, overrides rates
}

// MockInterval holds the final totals of one scripted counting interval.
type MockInterval struct {
	Alpha uint64 `yaml:"alpha"`
	Beta  uint64 `yaml:"beta"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "COM1", // Default for Windows, usually "/dev/ttyUSB0" on Linux
			BaudRate: 9600,
		},
		Acquisition: AcquisitionConfig{
			PollInterval:      100 * time.Millisecond,
			SetTimeDelay:      250 * time.Millisecond,
			ClearDelay:        500 * time.Millisecond,
			StaleElapsed:      5 * time.Second,
			WatchdogTimeout:   0,
			LowCountThreshold: 20,
		},
		Reference: ReferenceConfig{
			BackgroundAlphaCPM: 0.2,
			BackgroundBetaCPM:  40,
			BackgroundTime:     10 * time.Minute,
		},
		Background: CountConfig{
			SampleTime:  60 * time.Second,
			SampleCount: 10,
		},
		Efficiency: EfficiencyConfig{
			CountConfig: CountConfig{SampleTime: 60 * time.Second, SampleCount: 10},
			Source: SourceConfig{
				Channel:       "alpha",
				ActivityDPM:   10000,
				Certified:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
				HalfLifeYears: 432.6, // Am-241
			},
		},
		QC: QCConfig{
			CountConfig: CountConfig{SampleTime: 60 * time.Second, SampleCount: 1},
			Source: SourceConfig{
				Channel:       "beta",
				ActivityDPM:   10000,
				Certified:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
				HalfLifeYears: 28.79, // Sr-90
			},
		},
		Routine: RoutineConfig{
			CountConfig:     CountConfig{SampleTime: 60 * time.Second, SampleCount: 1},
			Mode:            "time",
			EfficiencyAlpha: 30,
			EfficiencyBeta:  40,
			SelfAbsorption:  1,
			Backscatter:     1,
			AreaFactor:      1,
			MDATargetAlpha:  20,
			MDATargetBeta:   100,
		},
		Mock: MockConfig{
			AlphaCPM: 120,
			BetaCPM:  30,
			TimeStep: time.Second,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Acquisition.PollInterval == 0 {
		c.Acquisition.PollInterval = def.Acquisition.PollInterval
	}
	if c.Acquisition.SetTimeDelay == 0 {
		c.Acquisition.SetTimeDelay = def.Acquisition.SetTimeDelay
	}
	if c.Acquisition.ClearDelay == 0 {
		c.Acquisition.ClearDelay = def.Acquisition.ClearDelay
	}
	if c.Acquisition.StaleElapsed == 0 {
		c.Acquisition.StaleElapsed = def.Acquisition.StaleElapsed
	}
	if c.Acquisition.LowCountThreshold == 0 {
		c.Acquisition.LowCountThreshold = def.Acquisition.LowCountThreshold
	}

	if c.Reference.BackgroundTime == 0 {
		c.Reference.BackgroundTime = def.Reference.BackgroundTime
	}

	c.Background.fill(def.Background)
	c.Efficiency.CountConfig.fill(def.Efficiency.CountConfig)
	c.QC.CountConfig.fill(def.QC.CountConfig)
	c.Routine.CountConfig.fill(def.Routine.CountConfig)

	if c.Routine.Mode == "" {
		c.Routine.Mode = def.Routine.Mode
	}
	if c.Routine.SelfAbsorption == 0 {
		c.Routine.SelfAbsorption = def.Routine.SelfAbsorption
	}
	if c.Routine.Backscatter == 0 {
		c.Routine.Backscatter = def.Routine.Backscatter
	}
	if c.Routine.AreaFactor == 0 {
		c.Routine.AreaFactor = def.Routine.AreaFactor
	}

	if c.Mock.TimeStep == 0 {
		c.Mock.TimeStep = def.Mock.TimeStep
	}
}

func (c *CountConfig) fill(def CountConfig) {
	if c.SampleTime == 0 {
		c.SampleTime = def.SampleTime
	}
	if c.SampleCount == 0 {
		c.SampleCount = def.SampleCount
	}
}
