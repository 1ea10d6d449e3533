package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// MergeStorage implements the MergeStorage interface for Badger
type MergeStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMergeStorage creates a new MergeStorage instance
func NewMergeStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MergeStorage {
	return &MergeStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MergeStorage) SaveMerge(ctx context.Context, record *models.MergeRecord) error {
	if record.ID == "" {
		return fmt.Errorf("merge record ID is required")
	}
	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save merge record: %w", err)
	}
	return nil
}

func (s *MergeStorage) ListMerges(ctx context.Context, limit int) ([]*models.MergeRecord, error) {
	query := badgerhold.Where("ID").Ne("").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.MergeRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list merge records: %w", err)
	}

	result := make([]*models.MergeRecord, len(records))
	for i := range records {
		result[i] = &records[i]
	}
	return result, nil
}
