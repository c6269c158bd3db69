package models

import (
	"time"

	"github.com/google/uuid"
)

// ExportStatus is the processing state of a result export.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// Export formats.
const (
	ExportFormatCSV  = "csv"
	ExportFormatXLSX = "xlsx"
)

// Export is a request to render a poll's results into a downloadable file.
type Export struct {
	ID          uuid.UUID    `json:"id"`
	PollID      uuid.UUID    `json:"poll_id"`
	RequestedBy uuid.UUID    `json:"requested_by"`
	Format      string       `json:"format"`
	Status      ExportStatus `json:"status"`
	S3Key       *string      `json:"-"`
	Error       *string      `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
