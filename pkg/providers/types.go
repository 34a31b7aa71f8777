package providers

import "context"

// Message is a single chat message sent to or received from the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string
	FinishReason string
	Usage        *UsageInfo
}

// LLMProvider is the black-box text generator behind the pipeline.
// ChatStream invokes onToken for each fragment as it arrives; the returned
// response carries the assembled content.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	ChatStream(ctx context.Context, messages []Message, model string, options map[string]interface{}, onToken func(string)) (*LLMResponse, error)
	GetDefaultModel() string
}
