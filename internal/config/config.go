package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// QueueConfig contains the delivery and retry settings of the queue runtime.
type QueueConfig struct {
	// MaxAttempts is the delivery-attempt ceiling compared against the
	// transport's per-message attempt counter.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gte=1"`

	// RetryBaseDelaySeconds is the base of the fixed-step backoff applied
	// between redelivery attempts.
	RetryBaseDelaySeconds int `mapstructure:"retry_base_delay_seconds" validate:"required,gte=1"`

	// ChunkSendDelaySeconds spaces out the fan-out of data-chunk messages.
	ChunkSendDelaySeconds int `mapstructure:"chunk_send_delay_seconds" validate:"gte=0"`

	// BufferSize is the capacity of the in-process transport's delivery buffer.
	BufferSize int `mapstructure:"buffer_size" validate:"required,gte=1"`
}
