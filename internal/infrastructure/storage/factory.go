package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/infrastructure/config"
)

// New builds the object storage selected by cfg.Driver. maxObjectSize caps
// downloads; zero disables the cap.
func New(ctx context.Context, cfg *config.StorageConfig, maxObjectSize int64, logger *zap.Logger) (exchange.ObjectStorage, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory object storage, objects are lost on restart")
		return NewMemoryObjectStorage(), nil
	case "s3":
		s, err := NewS3ObjectStorage(cfg, WithLogger(logger.Named("s3")), WithMaxObjectSize(maxObjectSize))
		if err != nil {
			return nil, err
		}
		if cfg.CreateBucket {
			if err := s.EnsureBucket(ctx); err != nil {
				return nil, err
			}
		}
		logger.Info("object storage ready",
			zap.String("bucket", s.Bucket()),
			zap.String("endpoint", config.RedactURL(cfg.Endpoint)),
		)
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
