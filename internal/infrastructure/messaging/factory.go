package messaging

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/erp/exchange/internal/infrastructure/config"
)

// NewBroker builds the driver selected by cfg.Driver over DefaultTopology.
func NewBroker(cfg *config.BusConfig, logger *zap.Logger, metrics DeliveryMetrics) (Broker, error) {
	topology := DefaultTopology()
	switch cfg.Driver {
	case "rabbitmq":
		return NewRabbitMQBroker(cfg, topology, logger, metrics)
	case "kafka":
		return NewKafkaBroker(cfg, topology, logger, metrics)
	case "memory":
		return NewMemoryBroker(topology, RetryPolicyFromConfig(cfg), logger, WithMemoryMetrics(metrics)), nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Driver)
	}
}
