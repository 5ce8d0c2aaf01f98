package repository

import (
	"context"

	"gorm.io/gorm"
)

type AttemptRepository interface {
	ListWebhookAttempts(ctx context.Context, deliveryID string) ([]WebhookAttemptModel, error)
	ListProviderAttempts(ctx context.Context, messageID string) ([]ProviderAttemptModel, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) ListWebhookAttempts(ctx context.Context, deliveryID string) ([]WebhookAttemptModel, error) {
	var models []WebhookAttemptModel
	err := r.db.WithContext(ctx).
		Where("delivery_id = ?", deliveryID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return models, nil
}

func (r *GormAttemptRepo) ListProviderAttempts(ctx context.Context, messageID string) ([]ProviderAttemptModel, error) {
	var models []ProviderAttemptModel
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return models, nil
}
