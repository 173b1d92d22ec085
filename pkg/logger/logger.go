// Package logger builds the zap loggers used by pagepool binaries.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is attached to every entry as the "service" field unless Config.Service is set.
const DefaultService = "pagepool"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level ("debug", "info", "warn", "error"). Defaults to info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or one of "stdout", "stderr" and "discard".
	OutputFile string `yaml:"output_file"`
	// Service overrides the service field.
	Service string `yaml:"service"`
}

// DefaultConfig logs info and above as JSON to stderr, keeping stdout for command output.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		OutputFile: "stderr",
		Service:    DefaultService,
	}
}

// New creates a zap.Logger from config. The returned logger is meant to be created once at
// startup and passed down.
func New(config Config) (*zap.Logger, error) {
	// Parse the log level. An empty level keeps zap's default of info.
	level := zap.NewAtomicLevel()
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
		}
	}

	// Configure where entries are written.
	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	service := config.Service
	if service == "" {
		service = DefaultService
	}

	// The core combines encoder, writer and level; every entry carries the service field.
	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", service))), nil
}

// getEncoder picks the encoder for the configured format.
func getEncoder(format string) zapcore.Encoder {
	// Production settings with readable timestamps and upper-case levels.
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	// JSON unless a human-friendly console format was asked for.
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stderr", "":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "discard":
		return zapcore.AddSync(io.Discard), nil
	default:
		// Append to the file if it exists, or create it.
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
