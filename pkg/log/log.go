package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	zonesMu sync.RWMutex
	zones   map[string]bool
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	// Zones restricts debug output to the named zones (package names).
	// Empty means all zones.
	Zones []string
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	SetZones(cfg.Zones)
}

// SetZones replaces the debug zone filter. Empty enables all zones.
func SetZones(list []string) {
	zonesMu.Lock()
	defer zonesMu.Unlock()
	if len(list) == 0 {
		zones = nil
		return
	}
	zones = make(map[string]bool, len(list))
	for _, z := range list {
		if z = strings.TrimSpace(z); z != "" {
			zones[z] = true
		}
	}
}

// ZoneEnabled reports whether debug output for the zone is enabled.
func ZoneEnabled(zone string) bool {
	zonesMu.RLock()
	defer zonesMu.RUnlock()
	if zones == nil {
		return true
	}
	// zones are package names; a dotted suffix is ignored
	if i := strings.Index(zone, "."); i >= 0 {
		zone = zone[:i]
	}
	return zones[zone]
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ZoneDebug logs a debug message if the zone filter allows it.
func ZoneDebug(zone, msg string) {
	if !ZoneEnabled(zone) {
		return
	}
	Logger.Debug().Str("zone", zone).Msg(msg)
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
