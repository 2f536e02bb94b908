package link

import (
	"log/slog"

	"skytrack/pkg/protocol"
)

// LogLink only logs commands. It stands in for a vehicle on the bench.
type LogLink struct {
	logger *slog.Logger
}

func NewLogLink(logger *slog.Logger) *LogLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogLink{logger: logger}
}

func (l *LogLink) Send(cmd protocol.Command) error {
	l.logger.Debug("command", "roll", cmd.Roll, "pitch", cmd.Pitch, "yaw", cmd.Yaw, "thrust", cmd.Thrust)
	return nil
}
