// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/rest"
)

var (
	ErrNoToken      = errors.New("connector: no token configured")
	ErrInvalidToken = errors.New("connector: token rejected")
)

// login verifies the token and returns the account it belongs to.
func login(ctx context.Context, api *rest.Client) (*discord.User, error) {
	user, err := api.GetCurrentUser(ctx)
	if err != nil {
		var apiErr *rest.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrInvalidToken, apiErr.Message)
		}
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	return user, nil
}

// gatewayURL returns the configured gateway URL or asks the REST API for
// one.
func gatewayURL(ctx context.Context, cfg *Config, api *rest.Client) (string, error) {
	if cfg.GatewayURL != "" {
		return cfg.GatewayURL, nil
	}
	url, err := api.GetGateway(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gateway url: %w", err)
	}
	return url, nil
}
