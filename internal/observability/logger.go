package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithFileID adds file_id context to logger.
func (l *Logger) WithFileID(fileID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("file_id", fileID).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(fileName string, size int64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("file_name", fileName).
			Int64("size", size).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferStarted logs the sender beginning to publish a manifest.
func (l *Logger) TransferStarted(fileID, fileName string, size int64, totalChunks int) {
	l.logger.Info().
		Str("file_id", fileID).
		Str("file_name", fileName).
		Int64("size", size).
		Int("total_chunks", totalChunks).
		Msg("transfer started")
}

// ChunkPublished logs a chunk publish on the bus.
func (l *Logger) ChunkPublished(fileID string, index int, length int) {
	l.logger.Debug().
		Str("file_id", fileID).
		Int("index", index).
		Int("length", length).
		Msg("chunk published")
}

// ChunkReceived logs a chunk arriving at the receiver.
func (l *Logger) ChunkReceived(fileID string, index int, duplicate bool) {
	l.logger.Debug().
		Str("file_id", fileID).
		Int("index", index).
		Bool("duplicate", duplicate).
		Msg("chunk received")
}

// IntegrityFailed logs a chunk or whole-file digest mismatch.
func (l *Logger) IntegrityFailed(fileID string, index int, scope string) {
	l.logger.Warn().
		Str("file_id", fileID).
		Int("index", index).
		Str("scope", scope).
		Msg("integrity check failed")
}

// TransferCompleted logs the receiver verifying and acking a file.
func (l *Logger) TransferCompleted(fileID string, size int64, totalChunks int, duration time.Duration) {
	l.logger.Info().
		Str("file_id", fileID).
		Int64("size", size).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed")
}

// BusConnected logs a successful bus connection.
func (l *Logger) BusConnected(brokerAddr string) {
	l.logger.Info().
		Str("broker_addr", brokerAddr).
		Msg("bus connected")
}

// BusConnectFailed logs a failed bus connection attempt.
func (l *Logger) BusConnectFailed(brokerAddr string, err error) {
	l.logger.Error().
		Str("broker_addr", brokerAddr).
		Err(err).
		Msg("bus connect failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
