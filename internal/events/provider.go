package events

import (
	"strings"

	"go.uber.org/zap"

	"github.com/gafferdev/gaffer/internal/common/config"
	"github.com/gafferdev/gaffer/internal/common/logger"
	"github.com/gafferdev/gaffer/internal/events/bus"
)

// Provide builds the configured event bus. An empty NATS URL selects the
// in-memory bus; an unreachable NATS server also degrades to in-memory so
// task execution never blocks on the event plane.
func Provide(cfg *config.GlobalConfig, log *logger.Logger) bus.EventBus {
	url := strings.TrimSpace(cfg.Events.NATSUrl)
	if url == "" {
		return bus.NewMemoryEventBus(log)
	}
	natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
	if err != nil {
		log.Warn("NATS unreachable, events stay in-process",
			zap.String("url", url),
			zap.Error(err))
		return bus.NewMemoryEventBus(log)
	}
	return natsBus
}
