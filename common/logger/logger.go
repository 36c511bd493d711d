/*
Package logger builds zap logger from configuration.
The buffer pool itself doesn't depend on this package: it takes *zap.Logger as option,
and this package is used by the commands to build it.
*/
package logger

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrInvalidConfig is returned when logger config is invalid
var ErrInvalidConfig = errors.New("invalid logger config")

// Config is the configuration of logger
type Config struct {
	// Level is the minimum level: debug, info, warn or error. info is used when empty
	Level string `yaml:"level"`
	// Format is json or console. json is used when empty
	Format string `yaml:"format"`
	// OutputFile is the path of log file. stdout or stderr is accepted. stderr is used when empty
	OutputFile string `yaml:"output_file"`
}

// New builds logger. name is attached to every entry as "service" field
func New(cfg Config, name string) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "level %q", cfg.Level)
		}
	}
	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}
	ws, err := newWriteSyncer(cfg.OutputFile)
	if err != nil {
		return nil, errors.Wrap(err, "newWriteSyncer failed")
	}
	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", name))), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	switch strings.ToLower(format) {
	case "", "json":
		return zapcore.NewJSONEncoder(encoderConfig), nil
	case "console":
		return zapcore.NewConsoleEncoder(encoderConfig), nil
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "format %q", format)
	}
}

func newWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	default:
		f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrap(err, "os.OpenFile failed")
		}
		return zapcore.AddSync(f), nil
	}
}
