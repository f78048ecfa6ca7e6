package models

// GenerationConfig holds the sampling parameters passed to the model service.
type GenerationConfig struct {
	Temperature     float32 `toml:"temperature" json:"temperature"`
	TopK            int32   `toml:"top_k" json:"top_k"`
	TopP            float32 `toml:"top_p" json:"top_p"`
	MaxOutputTokens int32   `toml:"max_output_tokens" json:"max_output_tokens"`
}

// SafetySetting pairs a harm category with a block threshold, both in the
// service's wire names (e.g. "HARM_CATEGORY_HARASSMENT", "BLOCK_MEDIUM_AND_ABOVE").
type SafetySetting struct {
	Category  string `toml:"category" json:"category"`
	Threshold string `toml:"threshold" json:"threshold"`
}

// ModelConfig is handed to the session factories untouched by the controller.
type ModelConfig struct {
	Model      string           `toml:"model" json:"model"`
	Generation GenerationConfig `toml:"generation" json:"generation"`
	Safety     []SafetySetting  `toml:"safety" json:"safety"`
}

// DefaultModelConfig mirrors the AI Studio starter settings the chat shipped with.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model: "gemini-1.5-flash",
		Generation: GenerationConfig{
			Temperature:     0.9,
			TopK:            1,
			TopP:            1,
			MaxOutputTokens: 2048,
		},
		Safety: []SafetySetting{
			{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
		},
	}
}
