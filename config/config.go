package config

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/syncpad/syncpad/globals"
)

const (
	DefaultCode     = "// Start coding here..."
	DefaultLanguage = "javascript"

	defaultReaperSchedule = "@every 30m"
	defaultIdleThreshold  = time.Hour
)

// Config is the global configuration object which is filled via the configuration file,
// environment variables (prefix SYNCPAD_) and bound command-line flags.
type Config struct {
	RoomConfig        RoomConfig        `mapstructure:"room"`
	ReaperConfig      ReaperConfig      `mapstructure:"reaper"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	LogLevel          string            `mapstructure:"log_level"`
}

// RoomConfig configures the defaults seeded into freshly created rooms and the
// optional caps on the per-room chat / whiteboard logs (0 = unbounded).
type RoomConfig struct {
	DefaultCode     string `mapstructure:"default_code"`
	DefaultLanguage string `mapstructure:"default_language"`
	MaxMessages     int    `mapstructure:"max_messages"`
	MaxActions      int    `mapstructure:"max_actions"`
}

// ReaperConfig configures the idle room reaper. Schedule is a cron spec
// (robfig/cron syntax, f.e. "@every 30m"), IdleThreshold is the minimum time
// without activity before an empty room is evicted.
type ReaperConfig struct {
	Schedule      string        `mapstructure:"schedule"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
}

// PersistenceConfig configures the session store backend. Type is one of
// "buntdb", "sqlite" or "postgres". For buntdb the DSN is the database file
// path. An empty configuration disables persistence entirely.
type PersistenceConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("room.default_code", DefaultCode)
	viper.SetDefault("room.default_language", DefaultLanguage)
	viper.SetDefault("reaper.schedule", defaultReaperSchedule)
	viper.SetDefault("reaper.idle_threshold", defaultIdleThreshold)
	err := viper.BindPFlags(flagSet)
	if err != nil {
		globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
	}
	viper.SetEnvPrefix("SYNCPAD")
	viper.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := ioutil.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		viper.SetConfigType("toml")
		err = viper.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			globals.AppLogger.Error("could not read config:", "error", err)
		}
	}
	err = viper.Unmarshal(&cfg)
	if err != nil {
		globals.AppLogger.Error("could not unmarshal config:", "error", err)
	}

	globals.AppLogger.Debug("config", "cfg", cfg)
	return &cfg, nil
}
