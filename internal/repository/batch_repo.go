package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BatchRepository interface {
	Save(ctx context.Context, result *domain.BatchResult) error
	GetByID(ctx context.Context, id string) (*domain.BatchResult, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

// Save upserts the verdict so a re-dispatched batch id keeps only the latest outcome.
func (r *GormBatchRepo) Save(ctx context.Context, result *domain.BatchResult) error {
	model := batchModelFromDomain(result, time.Now().UTC())
	if model == nil {
		return fmt.Errorf("%w: batch result is required", domain.ErrValidation)
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"total", "succeeded", "failed", "success_rate", "threshold", "success"}),
		}).
		Create(model).Error
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.BatchResult, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}
