package handler

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	appexchange "github.com/erp/exchange/internal/application/exchange"
	"github.com/erp/exchange/internal/application/monitor"
	"github.com/erp/exchange/internal/domain/exchange"
	"github.com/erp/exchange/internal/interfaces/http/dto"
	"github.com/erp/exchange/internal/interfaces/http/middleware"
)

// UploadFormField is the multipart field carrying the document.
const UploadFormField = "file"

// Uploader stores a document and enqueues its job.
type Uploader interface {
	SubmitUpload(ctx context.Context, t exchange.JobType, requestID, filename string, data []byte) (exchange.ExchangeJob, error)
}

// QueueReporter exposes the last monitor observations.
type QueueReporter interface {
	Snapshot() monitor.Snapshot
}

// PipelineStats exposes in-process job counters.
type PipelineStats interface {
	Stats() appexchange.JobStats
}

// QueuesResponse is the body of GET /exchange/queues.
type QueuesResponse struct {
	monitor.Snapshot
	Pipeline appexchange.JobStats `json:"pipeline"`
}

// ExchangeHandler accepts uploads and reports queue state.
type ExchangeHandler struct {
	BaseHandler
	uploader Uploader
	monitor  QueueReporter
	stats    PipelineStats
	maxBytes int64
}

// NewExchangeHandler creates the handler. maxBytes caps one uploaded file.
func NewExchangeHandler(uploader Uploader, monitor QueueReporter, stats PipelineStats, maxBytes int64) *ExchangeHandler {
	return &ExchangeHandler{uploader: uploader, monitor: monitor, stats: stats, maxBytes: maxBytes}
}

// SubmitJob stores the uploaded file and enqueues a job of the path's type.
// orders.export takes no file. The request id is the X-Request-ID of the
// call, so a retried upload with the same id and content is not re-imported.
func (h *ExchangeHandler) SubmitJob(c *gin.Context) {
	t, err := exchange.ParseJobType(c.Param("type"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var filename string
	var data []byte
	if t != exchange.JobTypeOrdersExport {
		fh, err := c.FormFile(UploadFormField)
		if err != nil {
			if errors.Is(err, http.ErrMissingFile) {
				h.HandleError(c, exchange.NewValidationError("upload", UploadFormField, "file is required"))
				return
			}
			h.HandleError(c, err)
			return
		}
		if fh.Size > h.maxBytes {
			h.Error(c, dto.ErrCodeTooLarge, "uploaded file exceeds maximum allowed size")
			return
		}
		if data, err = readUpload(fh, h.maxBytes); err != nil {
			h.HandleError(c, err)
			return
		}
		filename = fh.Filename
	}

	job, err := h.uploader.SubmitUpload(c.Request.Context(), t, middleware.GetRequestID(c), filename, data)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, dto.SubmitJobResponse{
		RequestID: job.RequestID,
		JobType:   t.String(),
		ObjectKey: job.ObjectKey,
		Filename:  job.Filename,
		CreatedAt: job.CreatedAt,
	})
}

// Queues reports queue depth, dead letters and pipeline counters.
func (h *ExchangeHandler) Queues(c *gin.Context) {
	h.Success(c, QueuesResponse{Snapshot: h.monitor.Snapshot(), Pipeline: h.stats.Stats()})
}

func readUpload(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}
	return data, nil
}
