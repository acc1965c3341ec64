package domain

import (
	"context"

	"github.com/vmscope/console/internal/models"
)

// TokenSource yields stream tokens for the gateway socket dial.
type TokenSource interface {
	// StreamToken returns the token that rides the dial query parameter.
	// An empty token with a nil error is the unauthenticated path: the
	// gateway either has no auth configured or does not expose the token
	// endpoint.
	StreamToken(ctx context.Context) (string, error)
}

// GatewayAPI is the REST surface of the gateway that the console consumes.
type GatewayAPI interface {
	ListHosts(ctx context.Context) ([]models.Host, error)
	ListVMs(ctx context.Context) ([]models.VM, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
}
