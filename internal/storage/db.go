package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// Open initializes the SQLite database at dir/mediadeck.db.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	dbPath := filepath.Join(dir, "mediadeck.db")

	// Pure Go SQLite, no CGO
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent finalize writes
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&JobRecord{}, &HistoryEntry{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Active Jobs =============

// SaveJob creates or updates a job record (upsert)
func (s *Storage) SaveJob(rec JobRecord) error {
	rec.UpdatedAt = time.Now().Format(time.RFC3339)
	return s.DB.Save(&rec).Error
}

// GetJob retrieves a specific job by ID
func (s *Storage) GetJob(id string) (JobRecord, error) {
	var rec JobRecord
	err := s.DB.First(&rec, "id = ?", id).Error
	return rec, err
}

// GetAllJobs returns all persisted non-terminal jobs, oldest first
func (s *Storage) GetAllJobs() ([]JobRecord, error) {
	var recs []JobRecord
	err := s.DB.Order("created_at asc").Find(&recs).Error
	return recs, err
}

// GetJobsByStatus returns jobs filtered by status
func (s *Storage) GetJobsByStatus(status string) ([]JobRecord, error) {
	var recs []JobRecord
	err := s.DB.Where("status = ?", status).Order("created_at asc").Find(&recs).Error
	return recs, err
}

// DeleteJob removes a job record (called when the job reaches a terminal state)
func (s *Storage) DeleteJob(id string) error {
	return s.DB.Delete(&JobRecord{}, "id = ?", id).Error
}

// UpdateJobStatus updates just the status field
func (s *Storage) UpdateJobStatus(id, status string) error {
	return s.DB.Model(&JobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().Format(time.RFC3339),
	}).Error
}

// UpdateJobProgress updates progress counters for a job
func (s *Storage) UpdateJobProgress(id string, percent float64, downloaded, total int64) error {
	return s.DB.Model(&JobRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":   percent,
		"downloaded": downloaded,
		"total_size": total,
		"updated_at": time.Now().Format(time.RFC3339),
	}).Error
}

// ============= History =============

// AppendHistory inserts a terminal outcome. Entries are never updated.
func (s *Storage) AppendHistory(entry HistoryEntry) error {
	return s.DB.Create(&entry).Error
}

// HistoryFilter narrows queries and clears. Zero values match everything.
type HistoryFilter struct {
	Kind    string
	Outcome string
	Since   time.Time
	Until   time.Time
}

func (s *Storage) historyQuery(f HistoryFilter) *gorm.DB {
	q := s.DB.Model(&HistoryEntry{})
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if !f.Since.IsZero() {
		q = q.Where("finished_at >= ?", f.Since.Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q = q.Where("finished_at <= ?", f.Until.Format(time.RFC3339))
	}
	return q
}

// QueryHistory returns matching entries, newest first
func (s *Storage) QueryHistory(f HistoryFilter, limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	q := s.historyQuery(f).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// ClearHistory removes matching entries and reports how many were deleted
func (s *Storage) ClearHistory(f HistoryFilter) (int64, error) {
	res := s.historyQuery(f).Delete(&HistoryEntry{})
	return res.RowsAffected, res.Error
}

// TrimHistory keeps only the newest limit entries
func (s *Storage) TrimHistory(limit int) error {
	if limit <= 0 {
		return nil
	}
	return s.DB.Exec(
		"DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)",
		limit,
	).Error
}

// CountHistory returns the number of matching entries
func (s *Storage) CountHistory(f HistoryFilter) (int64, error) {
	var n int64
	err := s.historyQuery(f).Count(&n).Error
	return n, err
}

// ============= App Settings =============

// GetString retrieves a string setting by key
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return setting.Value, err
}

// SetString stores a string setting
func (s *Storage) SetString(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&AppSetting{Key: key, Value: value}).Error
}
