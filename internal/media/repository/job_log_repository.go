package repository

import (
	"context"

	"media_transcoder/internal/media/domain"

	"gorm.io/gorm"
)

// JobLogRepo transcode_logs 由本服務擁有
type JobLogRepo interface {
	AutoMigrate() error
	Create(ctx context.Context, entry *domain.JobLog) error
	Find(ctx context.Context, filter domain.FindLogsFilter) ([]domain.JobLog, int64, error)
}

type jobLogRepo struct {
	db *gorm.DB
}

// NewJobLogRepo create JobLogRepo
func NewJobLogRepo(db *gorm.DB) JobLogRepo {
	return &jobLogRepo{db: db}
}

// AutoMigrate 只建立 / 補欄位，不刪欄位
func (r *jobLogRepo) AutoMigrate() error {
	return r.db.AutoMigrate(&domain.JobLog{})
}

func (r *jobLogRepo) Create(ctx context.Context, entry *domain.JobLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// Find paginate journal with optional level / queue filter
func (r *jobLogRepo) Find(ctx context.Context, filter domain.FindLogsFilter) ([]domain.JobLog, int64, error) {
	filter.Normalize()

	scope := func(db *gorm.DB) *gorm.DB {
		if filter.Level != "" {
			db = db.Where("level = ?", filter.Level)
		}
		if filter.Queue != "" {
			db = db.Where("queue = ?", filter.Queue)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.JobLog{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []domain.JobLog
	err := r.db.WithContext(ctx).Scopes(scope).Order(filter.OrderClause()).
		Limit(filter.Take).
		Offset((filter.Page - 1) * filter.Take).
		Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
