package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a dump or restore notification.
type TelegramMessage struct {
	Success   bool
	Action    Action
	Target    string // masked connection descriptor
	Archive   string
	StartTime time.Time
	Duration  time.Duration

	// Dump stats (if successful).
	SizeBytes  int64
	SnapshotID string // restic snapshot holding the off-site copy

	// Restore details.
	Schema           string
	ExtensionCreated bool

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
