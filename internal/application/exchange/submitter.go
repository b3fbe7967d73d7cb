// Package exchange runs the CommerceML exchange jobs: it submits them to the
// bus and consumes them from their queues.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/logger"
	"github.com/erp/exchange/internal/infrastructure/storage"
)

// JobSubmitter publishes exchange jobs. Submission is fire-and-forget: the
// call returns once the bus accepted the message.
type JobSubmitter struct {
	publisher    shared.MessagePublisher
	storage      exchange.ObjectStorage
	uploadPrefix string
	logger       *zap.Logger
	now          func() time.Time
}

// NewJobSubmitter creates a submitter. storage and uploadPrefix are only
// needed by SubmitUpload.
func NewJobSubmitter(publisher shared.MessagePublisher, storage exchange.ObjectStorage, uploadPrefix string, logger *zap.Logger) *JobSubmitter {
	return &JobSubmitter{
		publisher:    publisher,
		storage:      storage,
		uploadPrefix: uploadPrefix,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates job and publishes it under the routing key of t. The
// correlation id of ctx is carried as a header; a new one is minted when
// ctx has none.
func (s *JobSubmitter) Submit(ctx context.Context, t exchange.JobType, job exchange.ExchangeJob) error {
	if err := job.Validate(t); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", t, err)
	}

	correlationID := logger.GetCorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	headers := map[string]string{
		shared.HeaderCorrelationID: correlationID,
		shared.HeaderEventID:       uuid.NewString(),
		shared.HeaderEventType:     t.String(),
	}
	if err := s.publisher.Publish(ctx, t.RoutingKey(), job.RequestID, payload, headers); err != nil {
		return fmt.Errorf("%w: submit %s: %w", exchange.ErrTransientIntegration, t, err)
	}

	s.logger.Info("exchange job submitted",
		zap.String("job_type", t.String()),
		zap.String("request_id", job.RequestID),
		zap.String("object_key", job.ObjectKey),
		zap.String("correlation_id", correlationID),
	)
	return nil
}

// SubmitUpload stores an uploaded document and submits a job for it. An
// empty requestID gets a fresh uuid. orders.export takes no document.
func (s *JobSubmitter) SubmitUpload(ctx context.Context, t exchange.JobType, requestID, filename string, data []byte) (exchange.ExchangeJob, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	job := exchange.ExchangeJob{
		RequestID: requestID,
		CreatedAt: s.now(),
	}
	if filename != "" {
		job.Filename = path.Base(filename)
	}

	if t != exchange.JobTypeOrdersExport {
		if len(data) == 0 {
			return exchange.ExchangeJob{}, exchange.NewValidationError("upload", "file", "required for "+t.String())
		}
		if s.storage == nil {
			return exchange.ExchangeJob{}, fmt.Errorf("submit %s: object storage not configured", t)
		}
		job.ObjectKey = storage.NewObjectKey(s.uploadPrefix, strings.ToLower(path.Ext(filename)))
		if err := s.storage.Put(ctx, job.ObjectKey, data, storage.ContentTypeFor(filename)); err != nil {
			return exchange.ExchangeJob{}, fmt.Errorf("store upload: %w", err)
		}
	}

	if err := s.Submit(ctx, t, job); err != nil {
		return exchange.ExchangeJob{}, err
	}
	return job, nil
}

var _ exchange.JobPublisher = (*JobSubmitter)(nil)
