package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/bulk-dispatcher/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateProgress(ctx context.Context, id string, progress domain.Progress) error
	FinishRun(ctx context.Context, id string, phase domain.RunPhase, runErr *string, finishedAt time.Time) error
	GetByID(ctx context.Context, id string) (*domain.Run, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Run, error)
}

var _ RunRepository = (*GormRunRepo)(nil)

type GormRunRepo struct {
	db *gorm.DB
}

func NewGormRunRepo(db *gorm.DB) *GormRunRepo {
	return &GormRunRepo{db: db}
}

func (r *GormRunRepo) CreateRun(ctx context.Context, run *domain.Run) error {
	model := runModelFromDomain(run)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if run != nil {
		*run = *runModelToDomain(model)
	}
	return nil
}

func (r *GormRunRepo) UpdateProgress(ctx context.Context, id string, progress domain.Progress) error {
	result := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sent":    progress.Sent,
			"skipped": progress.Skipped,
			"failed":  progress.Failed,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRunRepo) FinishRun(ctx context.Context, id string, phase domain.RunPhase, runErr *string, finishedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"phase":       phase,
			"error":       runErr,
			"finished_at": finishedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormRunRepo) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	var model RunModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return runModelToDomain(&model), nil
}

func (r *GormRunRepo) ListRecent(ctx context.Context, limit int) ([]domain.Run, error) {
	limit = normalizeLimit(limit)

	var models []RunModel
	if err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	runs := make([]domain.Run, 0, len(models))
	for i := range models {
		runs = append(runs, *runModelToDomain(&models[i]))
	}
	return runs, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
