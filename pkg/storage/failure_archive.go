package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FailureRecord captures one document that failed pipeline execution,
// including the original source so it can be replayed.
type FailureRecord struct {
	BatchID    string          `json:"batchId"`
	Slot       int             `json:"slot"`
	Index      string          `json:"_index"`
	DocumentID string          `json:"_id,omitempty"`
	Pipeline   string          `json:"pipeline,omitempty"`
	Error      string          `json:"error"`
	Timestamp  time.Time       `json:"timestamp"`
	Document   json.RawMessage `json:"document,omitempty"`
}

// FailureArchive writes failure records to blob storage. Records are
// immutable once written; each gets a unique path.
type FailureArchive struct {
	blobClient BlobStorageClient
	logger     *zap.Logger
}

// NewFailureArchive creates an archive over the given blob client.
func NewFailureArchive(blobClient BlobStorageClient, logger *zap.Logger) *FailureArchive {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &FailureArchive{
		blobClient: blobClient,
		logger:     logger,
	}
}

// FailurePath returns the blob path for a failure record, partitioned by
// index and day for retention sweeps.
func FailurePath(index string, at time.Time) string {
	if index == "" {
		index = "unknown"
	}
	return fmt.Sprintf("failures/%s/%s/%s.json", index, at.UTC().Format("2006-01-02"), uuid.NewString())
}

// Archive writes one failure record and returns its blob URL.
func (a *FailureArchive) Archive(ctx context.Context, record *FailureRecord) (string, error) {
	if a.blobClient == nil {
		return "", fmt.Errorf("blob client not initialized")
	}
	if record == nil {
		return "", fmt.Errorf("record cannot be nil")
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal failure record: %w", err)
	}

	blobPath := FailurePath(record.Index, record.Timestamp)

	blobURL, err := a.blobClient.Upload(ctx, blobPath, data, map[string]string{
		"batch_id":    record.BatchID,
		"index":       record.Index,
		"document_id": record.DocumentID,
		"pipeline":    record.Pipeline,
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive failure: %w", err)
	}

	a.logger.Info("Archived failed document",
		zap.String("batch_id", record.BatchID),
		zap.Int("slot", record.Slot),
		zap.String("index", record.Index),
		zap.String("blob_path", blobPath))

	return blobURL, nil
}

// ArchiveAll writes every record, continuing past individual upload
// failures. It returns the number archived.
func (a *FailureArchive) ArchiveAll(ctx context.Context, records []*FailureRecord) int {
	archived := 0
	for _, record := range records {
		if record == nil {
			continue
		}
		if _, err := a.Archive(ctx, record); err != nil {
			a.logger.Error("Failed to archive failure record",
				zap.String("batch_id", record.BatchID),
				zap.Int("slot", record.Slot),
				zap.Error(err))
			continue
		}
		archived++
	}
	return archived
}

// Fetch downloads and decodes a failure record by blob path or URL.
func (a *FailureArchive) Fetch(ctx context.Context, reference string) (*FailureRecord, error) {
	if a.blobClient == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}

	data, err := a.blobClient.Download(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to download failure record: %w", err)
	}

	var record FailureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse failure record: %w", err)
	}

	return &record, nil
}
