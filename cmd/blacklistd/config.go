package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeycumines/go-callcore/blacklist"
	"github.com/joeycumines/go-callcore/sched"
	"github.com/joeycumines/logiface"
	ini "gopkg.in/ini.v1"
)

// Settings holds the daemon configuration, loaded from an ini file.
type Settings struct {
	LogLevel      logiface.Level
	LogFile       string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool

	SchedWorkers  int
	SchedCoalesce time.Duration

	Buckets         int
	InitialDuration time.Duration
	MaxDuration     time.Duration
	StrikeCount     int
	StrikeWindow    time.Duration
	DisableStrikes  bool
	StateFile       string

	HTTPListen          string
	HTTPShutdownTimeout time.Duration

	MemLimitRatio float64
	Console       bool
}

var levelNames = map[string]logiface.Level{
	`disabled`: logiface.LevelDisabled,
	`emerg`:    logiface.LevelEmergency,
	`alert`:    logiface.LevelAlert,
	`crit`:     logiface.LevelCritical,
	`err`:      logiface.LevelError,
	`error`:    logiface.LevelError,
	`warning`:  logiface.LevelWarning,
	`warn`:     logiface.LevelWarning,
	`notice`:   logiface.LevelNotice,
	`info`:     logiface.LevelInformational,
	`debug`:    logiface.LevelDebug,
	`trace`:    logiface.LevelTrace,
}

func parseLevel(s string) (logiface.Level, error) {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return 0, fmt.Errorf(`unknown log level: %q`, s)
}

// LoadSettings reads the configuration, applying defaults for missing keys.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section(`log`)
	level, err := parseLevel(sec.Key(`level`).MustString(`info`))
	if err != nil {
		return nil, err
	}
	s.LogLevel = level
	s.LogFile = sec.Key(`file`).String()
	s.LogMaxSize = sec.Key(`max_size`).MustInt(100)
	s.LogMaxBackups = sec.Key(`max_backups`).MustInt(1)
	s.LogMaxAge = sec.Key(`max_age`).MustInt(0)
	s.LogCompress = sec.Key(`compress`).MustBool(false)

	sec = cfg.Section(`sched`)
	s.SchedWorkers = sec.Key(`workers`).MustInt(1)
	s.SchedCoalesce = sec.Key(`coalesce`).MustDuration(sched.DefaultCoalesce)

	sec = cfg.Section(`blacklist`)
	s.Buckets = sec.Key(`buckets`).MustInt(64)
	s.InitialDuration = sec.Key(`initial_duration`).MustDuration(time.Minute)
	s.MaxDuration = sec.Key(`max_duration`).MustDuration(24 * time.Hour)
	s.StrikeCount = sec.Key(`strike_count`).MustInt(10)
	s.StrikeWindow = sec.Key(`strike_window`).MustDuration(time.Minute)
	s.DisableStrikes = sec.Key(`disable_strikes`).MustBool(false)
	s.StateFile = sec.Key(`state_file`).String()

	sec = cfg.Section(`http`)
	s.HTTPListen = sec.Key(`listen`).String()
	s.HTTPShutdownTimeout = sec.Key(`shutdown_timeout`).MustDuration(5 * time.Second)

	sec = cfg.Section(`runtime`)
	s.MemLimitRatio = sec.Key(`memlimit_ratio`).MustFloat64(0.9)
	s.Console = sec.Key(`console`).MustBool(true)

	if s.SchedWorkers <= 0 {
		return nil, fmt.Errorf(`sched workers must be positive`)
	}
	if s.Buckets <= 0 {
		return nil, fmt.Errorf(`blacklist buckets must be positive`)
	}
	if !s.DisableStrikes && (s.StrikeCount <= 0 || s.StrikeWindow <= 0) {
		return nil, fmt.Errorf(`blacklist strike_count and strike_window must be positive`)
	}
	if s.MemLimitRatio < 0 || s.MemLimitRatio > 1 {
		return nil, fmt.Errorf(`runtime memlimit_ratio must be within [0, 1]`)
	}

	return s, nil
}

// blacklistConfig maps the settings to a blacklist config, leaving the
// scheduler, change hook and logger unset.
func (s *Settings) blacklistConfig() *blacklist.Config {
	c := &blacklist.Config{
		Buckets:         s.Buckets,
		InitialDuration: s.InitialDuration,
		MaxDuration:     s.MaxDuration,
		DisableStrikes:  s.DisableStrikes,
	}
	if !s.DisableStrikes {
		c.StrikeRates = map[time.Duration]int{s.StrikeWindow: s.StrikeCount}
	}
	return c
}
