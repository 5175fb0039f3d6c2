package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookrelay/internal/clock"
	"github.com/smallbiznis/hookrelay/internal/outbound/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("outbound.endpoints"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CreateEndpoint(ctx context.Context, ownerID string, input domain.EndpointInput) (*domain.WebhookEndpoint, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	if err := validateInput(input); err != nil {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	endpoint := &domain.WebhookEndpoint{
		ID:         s.genID.Generate(),
		OwnerID:    ownerID,
		URL:        strings.TrimSpace(input.URL),
		EventTypes: datatypes.NewJSONSlice(input.EventTypes),
		Secret:     secret,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if input.IsActive != nil {
		endpoint.IsActive = *input.IsActive
	}

	if err := s.repo.CreateEndpoint(ctx, s.db, endpoint); err != nil {
		return nil, err
	}
	s.log.Info("webhook endpoint registered",
		zap.Int64("endpoint_id", int64(endpoint.ID)),
		zap.String("owner_id", ownerID),
	)
	return endpoint, nil
}

func (s *Service) GetEndpoint(ctx context.Context, ownerID string, id snowflake.ID) (*domain.WebhookEndpoint, error) {
	endpoint, err := s.repo.FindEndpoint(ctx, s.db, strings.TrimSpace(ownerID), id)
	if err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, domain.ErrEndpointNotFound
	}
	return endpoint, nil
}

func (s *Service) ListEndpoints(ctx context.Context, ownerID string) ([]domain.WebhookEndpoint, error) {
	return s.repo.ListEndpoints(ctx, s.db, strings.TrimSpace(ownerID))
}

func (s *Service) UpdateEndpoint(ctx context.Context, ownerID string, id snowflake.ID, input domain.EndpointInput) (*domain.WebhookEndpoint, error) {
	endpoint, err := s.GetEndpoint(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if u := strings.TrimSpace(input.URL); u != "" {
		if err := validateURL(u); err != nil {
			return nil, err
		}
		endpoint.URL = u
	}
	if input.EventTypes != nil {
		if err := validateEventTypes(input.EventTypes); err != nil {
			return nil, err
		}
		endpoint.EventTypes = datatypes.NewJSONSlice(input.EventTypes)
	}
	if input.IsActive != nil {
		endpoint.IsActive = *input.IsActive
	}
	endpoint.UpdatedAt = s.clock.Now()

	if err := s.repo.UpdateEndpoint(ctx, s.db, endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (s *Service) DeleteEndpoint(ctx context.Context, ownerID string, id snowflake.ID) error {
	return s.repo.DeleteEndpoint(ctx, s.db, strings.TrimSpace(ownerID), id)
}

// RotateSecret replaces the endpoint's signing secret. Deliveries already in
// flight keep the secret they were signed with.
func (s *Service) RotateSecret(ctx context.Context, ownerID string, id snowflake.ID) (*domain.WebhookEndpoint, error) {
	endpoint, err := s.GetEndpoint(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	endpoint.Secret = secret
	endpoint.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateEndpoint(ctx, s.db, endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

func (s *Service) ListAttempts(ctx context.Context, ownerID string, filter domain.AttemptFilter) ([]domain.DeliveryAttempt, error) {
	return s.repo.ListAttempts(ctx, s.db, strings.TrimSpace(ownerID), filter)
}

func validateInput(input domain.EndpointInput) error {
	if err := validateURL(strings.TrimSpace(input.URL)); err != nil {
		return err
	}
	return validateEventTypes(input.EventTypes)
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return domain.ErrInvalidURL
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return domain.ErrInvalidURL
	}
	return nil
}

func validateEventTypes(eventTypes []string) error {
	for _, t := range eventTypes {
		known := false
		for _, k := range domain.KnownEventTypes {
			if t == k {
				known = true
				break
			}
		}
		if !known {
			return domain.ErrInvalidEventType
		}
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
