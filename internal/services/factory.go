package services

import (
	"context"
	"fmt"

	"chattered/internal/config"
	"chattered/internal/conversation"
)

// NewSessionFactory builds the session factory for the configured backend.
// The returned func releases the backend's client.
func NewSessionFactory(ctx context.Context, cfg *config.Config) (conversation.SessionFactory, func(), error) {
	switch cfg.ModelBackend {
	case config.BackendGenerativeAI:
		f, err := NewGeminiSessionFactory(cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	case config.BackendGenAI:
		f, err := NewGenAISessionFactory(ctx, cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs, cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown model backend %q", cfg.ModelBackend)
	}
}
