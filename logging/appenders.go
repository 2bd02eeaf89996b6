package logging

import (
	"os"

	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Appender is an output for log entries. This is a subset of the `zapcore.Core`
// interface.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed. E.g: at
	// shutdown.
	Sync() error
}

// ConsoleAppender will create human readable lines from log events and write them to the
// desired output sink.
type ConsoleAppender struct {
	io zapcore.WriteSyncer
}

// NewStdoutAppender creates a new appender that prints to stdout.
func NewStdoutAppender() ConsoleAppender {
	return ConsoleAppender{zapcore.Lock(os.Stdout)}
}

// NewWriterAppender creates a new appender that prints to the input writer.
func NewWriterAppender(writer zapcore.WriteSyncer) ConsoleAppender {
	return ConsoleAppender{writer}
}

// Write outputs the log entry to the underlying stream.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	encoder := zapcore.NewConsoleEncoder(NewZapLoggerConfig().EncoderConfig)
	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	_, err = appender.io.Write(buf.Bytes())
	return err
}

// Sync is a no-op for console streams.
func (appender ConsoleAppender) Sync() error {
	return nil
}

// NewFileAppender creates an appender that writes plain, uncolored log lines to a
// rotated file at the given path.
func NewFileAppender(path string) Appender {
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	config := NewZapLoggerConfig().EncoderConfig
	config.EncodeLevel = zapcore.CapitalLevelEncoder
	return fileAppender{
		io:      zapcore.AddSync(writer),
		encoder: zapcore.NewConsoleEncoder(config),
	}
}

type fileAppender struct {
	io      zapcore.WriteSyncer
	encoder zapcore.Encoder
}

func (appender fileAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := appender.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	_, err = appender.io.Write(buf.Bytes())
	return err
}

func (appender fileAppender) Sync() error {
	return appender.io.Sync()
}
