package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookrelay/internal/outbound/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CreateEndpoint(ctx context.Context, db *gorm.DB, endpoint *domain.WebhookEndpoint) error {
	return db.WithContext(ctx).Create(endpoint).Error
}

func (r *repo) FindEndpoint(ctx context.Context, db *gorm.DB, ownerID string, id snowflake.ID) (*domain.WebhookEndpoint, error) {
	var endpoint domain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("owner_id = ? AND id = ?", ownerID, id).
		First(&endpoint).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &endpoint, nil
}

func (r *repo) ListEndpoints(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.WebhookEndpoint, error) {
	var endpoints []domain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC").
		Find(&endpoints).Error
	return endpoints, err
}

func (r *repo) ListActiveEndpoints(ctx context.Context, db *gorm.DB, ownerID string) ([]domain.WebhookEndpoint, error) {
	var endpoints []domain.WebhookEndpoint
	err := db.WithContext(ctx).
		Where("owner_id = ? AND is_active = ?", ownerID, true).
		Find(&endpoints).Error
	return endpoints, err
}

func (r *repo) UpdateEndpoint(ctx context.Context, db *gorm.DB, endpoint *domain.WebhookEndpoint) error {
	return db.WithContext(ctx).Save(endpoint).Error
}

func (r *repo) DeleteEndpoint(ctx context.Context, db *gorm.DB, ownerID string, id snowflake.ID) error {
	res := db.WithContext(ctx).
		Where("owner_id = ? AND id = ?", ownerID, id).
		Delete(&domain.WebhookEndpoint{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrEndpointNotFound
	}
	return nil
}

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.DeliveryAttempt) error {
	return db.WithContext(ctx).Create(attempt).Error
}

func (r *repo) InsertDomainEvent(ctx context.Context, db *gorm.DB, event *domain.DomainEventRecord) error {
	return db.WithContext(ctx).Create(event).Error
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, ownerID string, filter domain.AttemptFilter) ([]domain.DeliveryAttempt, error) {
	query := db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if filter.EndpointID != 0 {
		query = query.Where("endpoint_id = ?", filter.EndpointID)
	}
	if filter.Success != nil {
		query = query.Where("success = ?", *filter.Success)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var attempts []domain.DeliveryAttempt
	err := query.
		Order("attempted_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&attempts).Error
	return attempts, err
}
