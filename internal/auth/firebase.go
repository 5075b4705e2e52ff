package auth

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/tbourn/go-chat-sync/internal/config"
)

// NewFirebaseApp initializes the Firebase Admin SDK. Without a credentials
// file the SDK falls back to Application Default Credentials.
func NewFirebaseApp(ctx context.Context, cfg config.StoreConfig) (*firebase.App, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	var fc *firebase.Config
	if cfg.ProjectID != "" {
		fc = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	return app, nil
}
