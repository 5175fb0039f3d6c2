package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hookrelay/internal/clock"
	"github.com/smallbiznis/hookrelay/internal/outbound/domain"
	outboundrepo "github.com/smallbiznis/hookrelay/internal/outbound/repository"
	outboundservice "github.com/smallbiznis/hookrelay/internal/outbound/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupService(t *testing.T) domain.Service {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_endpoints_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.WebhookEndpoint{}, &domain.DeliveryAttempt{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return outboundservice.NewService(outboundservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(testNow),
		Repo:  outboundrepo.Provide(),
	})
}

func TestCreateEndpointGeneratesSecret(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	endpoint, err := svc.CreateEndpoint(ctx, "owner-1", domain.EndpointInput{
		URL:        "https://example.com/hooks",
		EventTypes: []string{domain.EventTypeSubscriptionCanceled},
	})
	if err != nil {
		t.Fatalf("create endpoint: %v", err)
	}
	if !strings.HasPrefix(endpoint.Secret, "whsec_") {
		t.Fatalf("expected generated secret, got %q", endpoint.Secret)
	}
	if !endpoint.IsActive {
		t.Fatalf("expected endpoint active by default")
	}
	if !endpoint.CreatedAt.Equal(testNow) {
		t.Fatalf("expected created_at %v, got %v", testNow, endpoint.CreatedAt)
	}
}

func TestCreateEndpointValidation(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	tests := []struct {
		name    string
		ownerID string
		input   domain.EndpointInput
		wantErr error
	}{{
		name:    "missing owner",
		ownerID: "",
		input:   domain.EndpointInput{URL: "https://example.com"},
		wantErr: domain.ErrInvalidOwner,
	}, {
		name:    "relative url",
		ownerID: "owner-1",
		input:   domain.EndpointInput{URL: "/hooks"},
		wantErr: domain.ErrInvalidURL,
	}, {
		name:    "bad scheme",
		ownerID: "owner-1",
		input:   domain.EndpointInput{URL: "ftp://example.com/hooks"},
		wantErr: domain.ErrInvalidURL,
	}, {
		name:    "unknown event type",
		ownerID: "owner-1",
		input:   domain.EndpointInput{URL: "https://example.com", EventTypes: []string{"order.created"}},
		wantErr: domain.ErrInvalidEventType,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateEndpoint(ctx, tt.ownerID, tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestUpdateAndDeleteEndpoint(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	endpoint, err := svc.CreateEndpoint(ctx, "owner-1", domain.EndpointInput{URL: "https://example.com/hooks"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	inactive := false
	updated, err := svc.UpdateEndpoint(ctx, "owner-1", endpoint.ID, domain.EndpointInput{
		URL:      "https://example.com/v2/hooks",
		IsActive: &inactive,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.URL != "https://example.com/v2/hooks" || updated.IsActive {
		t.Fatalf("update not applied: %+v", updated)
	}

	// another owner cannot touch the endpoint
	if _, err := svc.GetEndpoint(ctx, "owner-2", endpoint.ID); !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("expected not found for other owner, got %v", err)
	}

	if err := svc.DeleteEndpoint(ctx, "owner-1", endpoint.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetEndpoint(ctx, "owner-1", endpoint.ID); !errors.Is(err, domain.ErrEndpointNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestRotateSecret(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t)

	endpoint, err := svc.CreateEndpoint(ctx, "owner-1", domain.EndpointInput{URL: "https://example.com/hooks"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := endpoint.Secret

	rotated, err := svc.RotateSecret(ctx, "owner-1", endpoint.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Secret == before {
		t.Fatalf("expected a new secret")
	}
	if !strings.HasPrefix(rotated.Secret, "whsec_") {
		t.Fatalf("unexpected secret format %q", rotated.Secret)
	}
}
