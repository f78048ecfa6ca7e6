package services

import (
	"context"
	"fmt"
	"slices"
	"sync"

	gogenai "google.golang.org/genai"

	"chattered/internal/conversation"
	"chattered/internal/models"
)

// GenAISessionFactory starts chats through the unified google.golang.org/genai
// SDK. Selected with MODEL_BACKEND=genai.
type GenAISessionFactory struct {
	models   *gogenai.Models
	model    string
	config   *gogenai.GenerateContentConfig
	rateChan chan struct{}
}

func NewGenAISessionFactory(ctx context.Context, apiKey string, concurrentReqs int, cfg models.ModelConfig) (*GenAISessionFactory, error) {
	return newGenAISessionFactory(ctx, &gogenai.ClientConfig{
		APIKey:  apiKey,
		Backend: gogenai.BackendGeminiAPI,
	}, concurrentReqs, cfg)
}

func newGenAISessionFactory(ctx context.Context, clientCfg *gogenai.ClientConfig, concurrentReqs int, cfg models.ModelConfig) (*GenAISessionFactory, error) {
	if concurrentReqs < 1 {
		concurrentReqs = 1
	}

	client, err := gogenai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GenAISessionFactory{
		models:   client.Models,
		model:    cfg.Model,
		config:   genaiConfig(cfg),
		rateChan: rateChan,
	}, nil
}

func genaiConfig(cfg models.ModelConfig) *gogenai.GenerateContentConfig {
	g := cfg.Generation
	out := &gogenai.GenerateContentConfig{
		Temperature:     gogenai.Ptr(g.Temperature),
		TopP:            gogenai.Ptr(g.TopP),
		TopK:            gogenai.Ptr(float32(g.TopK)),
		MaxOutputTokens: g.MaxOutputTokens,
	}
	for _, s := range cfg.Safety {
		// The SDK enums are the wire names, so no mapping table is needed.
		out.SafetySettings = append(out.SafetySettings, &gogenai.SafetySetting{
			Category:  gogenai.HarmCategory(s.Category),
			Threshold: gogenai.HarmBlockThreshold(s.Threshold),
		})
	}
	return out
}

func genaiHistory(history []models.Message) ([]*gogenai.Content, error) {
	if err := validateHistory(history); err != nil {
		return nil, err
	}
	out := make([]*gogenai.Content, 0, len(history))
	for _, m := range history {
		role, err := serviceRole(m.Role)
		if err != nil {
			return nil, err
		}
		out = append(out, gogenai.NewContentFromText(m.Text, gogenai.Role(role)))
	}
	return out, nil
}

// Initialize seeds a session with history. Nothing is sent until the first
// message.
func (f *GenAISessionFactory) Initialize(ctx context.Context, history []models.Message) (conversation.Handle, error) {
	contents, err := genaiHistory(history)
	if err != nil {
		return nil, err
	}
	return &genaiSession{factory: f, history: contents}, nil
}

// genaiSession owns its history so overlapping sends only share it under mu.
type genaiSession struct {
	factory *GenAISessionFactory

	mu      sync.Mutex
	history []*gogenai.Content
}

func (s *genaiSession) Send(ctx context.Context, text string) (string, error) {
	select {
	case <-s.factory.rateChan:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { s.factory.rateChan <- struct{}{} }()

	input := gogenai.NewContentFromText(text, gogenai.RoleUser)

	s.mu.Lock()
	contents := append(slices.Clone(s.history), input)
	s.mu.Unlock()

	resp, err := s.factory.models.GenerateContent(ctx, s.factory.model, contents, s.factory.config)
	if err != nil {
		return "", fmt.Errorf("GenAI API error: %w", err)
	}
	reply, err := genaiResponseText(resp)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.history = append(s.history, input, gogenai.NewContentFromText(reply, gogenai.RoleModel))
	s.mu.Unlock()
	return reply, nil
}

func genaiResponseText(resp *gogenai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" && fb.BlockReason != gogenai.BlockedReasonUnspecified {
		return "", fmt.Errorf("%w: prompt %s", ErrBlocked, fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	if reason := resp.Candidates[0].FinishReason; genaiBlockedReasons[reason] {
		return "", fmt.Errorf("%w: candidate %s", ErrBlocked, reason)
	}
	return resp.Text(), nil
}

// genaiBlockedReasons mirrors geminiBlockedReasons.
var genaiBlockedReasons = map[gogenai.FinishReason]bool{
	gogenai.FinishReasonSafety:            true,
	gogenai.FinishReasonRecitation:        true,
	gogenai.FinishReasonOther:             true,
	gogenai.FinishReasonBlocklist:         true,
	gogenai.FinishReasonProhibitedContent: true,
	gogenai.FinishReasonSPII:              true,
}
