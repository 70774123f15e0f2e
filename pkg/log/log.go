package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cberner/fleetfs/pkg/types"
)

// Logger is the global logger instance
var Logger zerolog.Logger

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
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode creates a child logger with node_id field
func WithNode(nodeID types.NodeID) zerolog.Logger {
	return Logger.With().Uint64("node_id", uint64(nodeID)).Logger()
}

// WithGroup creates a child logger with node_id and raft_group fields
func WithGroup(nodeID types.NodeID, group types.GroupID) zerolog.Logger {
	return Logger.With().
		Uint64("node_id", uint64(nodeID)).
		Uint16("raft_group", uint16(group)).
		Logger()
}

func init() {
	// Sane default until the daemon calls Init with its config
	Init(Config{Level: InfoLevel})
}
