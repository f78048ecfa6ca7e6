package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"chattered/internal/conversation"
	"chattered/internal/models"
)

var (
	ErrInvalidHistory = errors.New("invalid chat history")
	ErrBlocked        = errors.New("response blocked")
	ErrEmptyResponse  = errors.New("response has no text")
)

// GeminiSessionFactory starts chats on the Gemini API through
// github.com/google/generative-ai-go.
type GeminiSessionFactory struct {
	client   *genai.Client
	model    *genai.GenerativeModel
	rateChan chan struct{} // Token bucket
}

func NewGeminiSessionFactory(apiKey string, concurrentReqs int, cfg models.ModelConfig) (*GeminiSessionFactory, error) {
	return newGeminiSessionFactory(concurrentReqs, cfg, option.WithAPIKey(apiKey))
}

func newGeminiSessionFactory(concurrentReqs int, cfg models.ModelConfig, opts ...option.ClientOption) (*GeminiSessionFactory, error) {
	if concurrentReqs < 1 {
		concurrentReqs = 1
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	if err := configureModel(model, cfg); err != nil {
		client.Close()
		return nil, err
	}

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiSessionFactory{
		client:   client,
		model:    model,
		rateChan: rateChan,
	}, nil
}

func (f *GeminiSessionFactory) Close() {
	f.client.Close()
}

func configureModel(model *genai.GenerativeModel, cfg models.ModelConfig) error {
	g := cfg.Generation
	model.SetTemperature(g.Temperature)
	model.SetTopK(g.TopK)
	model.SetTopP(g.TopP)
	if g.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(g.MaxOutputTokens)
	}

	settings, err := geminiSafetySettings(cfg.Safety)
	if err != nil {
		return err
	}
	model.SafetySettings = settings
	return nil
}

var harmCategories = map[string]genai.HarmCategory{
	"HARM_CATEGORY_HARASSMENT":        genai.HarmCategoryHarassment,
	"HARM_CATEGORY_HATE_SPEECH":       genai.HarmCategoryHateSpeech,
	"HARM_CATEGORY_SEXUALLY_EXPLICIT": genai.HarmCategorySexuallyExplicit,
	"HARM_CATEGORY_DANGEROUS_CONTENT": genai.HarmCategoryDangerousContent,
}

var harmThresholds = map[string]genai.HarmBlockThreshold{
	"HARM_BLOCK_THRESHOLD_UNSPECIFIED": genai.HarmBlockUnspecified,
	"BLOCK_LOW_AND_ABOVE":              genai.HarmBlockLowAndAbove,
	"BLOCK_MEDIUM_AND_ABOVE":           genai.HarmBlockMediumAndAbove,
	"BLOCK_ONLY_HIGH":                  genai.HarmBlockOnlyHigh,
	"BLOCK_NONE":                       genai.HarmBlockNone,
}

func geminiSafetySettings(in []models.SafetySetting) ([]*genai.SafetySetting, error) {
	out := make([]*genai.SafetySetting, 0, len(in))
	for _, s := range in {
		category, ok := harmCategories[s.Category]
		if !ok {
			return nil, fmt.Errorf("unknown harm category %q", s.Category)
		}
		threshold, ok := harmThresholds[s.Threshold]
		if !ok {
			return nil, fmt.Errorf("unknown block threshold %q", s.Threshold)
		}
		out = append(out, &genai.SafetySetting{Category: category, Threshold: threshold})
	}
	return out, nil
}

// serviceRole maps a conversation role onto the API's role names.
func serviceRole(r models.Role) (string, error) {
	switch r {
	case models.RoleUser:
		return "user", nil
	case models.RoleBot:
		return "model", nil
	default:
		return "", fmt.Errorf("%w: unsupported role %q", ErrInvalidHistory, r)
	}
}

// validateHistory applies the API's rules for seeded chats: the first turn
// belongs to the user.
func validateHistory(history []models.Message) error {
	if len(history) > 0 && history[0].Role != models.RoleUser {
		return fmt.Errorf("%w: first message must come from the user, got %q", ErrInvalidHistory, history[0].Role)
	}
	return nil
}

func geminiHistory(history []models.Message) ([]*genai.Content, error) {
	if err := validateHistory(history); err != nil {
		return nil, err
	}
	out := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role, err := serviceRole(m.Role)
		if err != nil {
			return nil, err
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Text)},
		})
	}
	return out, nil
}

// Initialize seeds a session with history. Nothing is sent until the first
// message.
func (f *GeminiSessionFactory) Initialize(ctx context.Context, history []models.Message) (conversation.Handle, error) {
	contents, err := geminiHistory(history)
	if err != nil {
		return nil, err
	}
	return &geminiSession{factory: f, history: contents}, nil
}

// acquireRate blocks until a rate slot is available
func (f *GeminiSessionFactory) acquireRate(ctx context.Context) error {
	select {
	case <-f.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (f *GeminiSessionFactory) releaseRate() {
	f.rateChan <- struct{}{}
}

// geminiSession owns its history. Each send runs on a ChatSession of its
// own, so overlapping sends only share the history under mu.
type geminiSession struct {
	factory *GeminiSessionFactory

	mu      sync.Mutex
	history []*genai.Content
}

func (s *geminiSession) Send(ctx context.Context, text string) (string, error) {
	if err := s.factory.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.factory.releaseRate()

	cs := s.factory.model.StartChat()
	s.mu.Lock()
	cs.History = slices.Clone(s.history)
	s.mu.Unlock()

	resp, err := cs.SendMessage(ctx, genai.Text(text))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", fmt.Errorf("%w: %v", ErrBlocked, blocked)
		}
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	reply, err := responseText(resp)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.history = append(s.history,
		genai.NewUserContent(genai.Text(text)),
		&genai.Content{Role: "model", Parts: []genai.Part{genai.Text(reply)}},
	)
	s.mu.Unlock()
	return reply, nil
}

// responseText returns the first candidate's text, or an error when the
// prompt or the candidate was blocked.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("%w: prompt %s", ErrBlocked, fb.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}

	cand := resp.Candidates[0]
	if geminiBlockedReasons[cand.FinishReason] {
		return "", fmt.Errorf("%w: candidate %s", ErrBlocked, cand.FinishReason)
	}
	if cand.Content == nil {
		return "", ErrEmptyResponse
	}

	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

// Finish reasons the API sends that this SDK version has no names for.
const (
	finishReasonBlocklist         genai.FinishReason = 7
	finishReasonProhibitedContent genai.FinishReason = 8
	finishReasonSPII              genai.FinishReason = 9
)

var geminiBlockedReasons = map[genai.FinishReason]bool{
	genai.FinishReasonSafety:      true,
	genai.FinishReasonRecitation:  true,
	genai.FinishReasonOther:       true,
	finishReasonBlocklist:         true,
	finishReasonProhibitedContent: true,
	finishReasonSPII:              true,
}
