package services

import (
	"os"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIClient returns the process-wide OpenAI client, or nil when no
// API key is configured. The language model is optional: translation and
// composition fall back to their deterministic paths without it.
var DefaultOpenAIClient = sync.OnceValue(func() *openai.Client {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config)
})

// OpenAIModel returns the configured chat model name, empty for the default
func OpenAIModel() string {
	return os.Getenv("OPENAI_MODEL")
}
