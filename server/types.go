package server

import (
	"Mokpell/internal/backend"
	"Mokpell/internal/session"
)

// ContextRequest loads a model. Zero or nil fields keep the server defaults.
type ContextRequest struct {
	Model        string   `json:"model"`
	Backend      string   `json:"backend,omitempty"`
	NCtx         int      `json:"n_ctx,omitempty"`
	NBatch       int      `json:"n_batch,omitempty"`
	Threads      int      `json:"threads,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	GPULayers    *int     `json:"gpu_layers,omitempty"`
	ChatTemplate string   `json:"chat_template,omitempty"`
	Overflow     string   `json:"overflow,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	TopP         *float32 `json:"top_p,omitempty"`
	MinP         *float32 `json:"min_p,omitempty"`
	Seed         *uint32  `json:"seed,omitempty"`
}

func (r ContextRequest) apply(cfg session.Config) session.Config {
	if r.NCtx > 0 {
		cfg.NCtx = r.NCtx
	}
	if r.NBatch > 0 {
		cfg.NBatch = r.NBatch
	}
	if r.Threads > 0 {
		cfg.Threads = r.Threads
		cfg.ThreadsBatch = r.Threads
	}
	if r.MaxTokens > 0 {
		cfg.MaxTokens = r.MaxTokens
	}
	if r.ChatTemplate != "" {
		cfg.ChatTemplate = r.ChatTemplate
	}
	if r.Overflow != "" {
		cfg.Overflow = session.OverflowPolicy(r.Overflow)
	}
	if r.Temperature != nil {
		cfg.Sampling.Temperature = *r.Temperature
	}
	if r.TopK != nil {
		cfg.Sampling.TopK = *r.TopK
	}
	if r.TopP != nil {
		cfg.Sampling.TopP = *r.TopP
	}
	if r.MinP != nil {
		cfg.Sampling.MinP = *r.MinP
	}
	if r.Seed != nil {
		cfg.Sampling.Seed = *r.Seed
	}
	return cfg
}

// ContextResponse describes a freshly loaded context.
type ContextResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Backend string `json:"backend"`
	Device  string `json:"device"`
	NCtx    int    `json:"n_ctx"`
}

// CompletionRequest runs one chat completion. With Stream set the response
// is NDJSON, one event per fragment.
type CompletionRequest struct {
	Messages []session.Message `json:"messages"`
	Stream   bool              `json:"stream,omitempty"`
}

// CompletionEvent is one NDJSON line of a streamed completion.
type CompletionEvent struct {
	Done     bool            `json:"done"`
	Function string          `json:"function"`
	Result   *CompletionText `json:"result,omitempty"`
	Token    string          `json:"token,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
}

// CompletionText carries the accumulated text, plus totals on the final
// event.
type CompletionText struct {
	Text            string             `json:"text"`
	Reason          session.StopReason `json:"reason,omitempty"`
	PromptTokens    int                `json:"prompt_tokens,omitempty"`
	GeneratedTokens int                `json:"generated_tokens,omitempty"`
}

// TokenizeRequest converts text to tokens.
type TokenizeRequest struct {
	Text   string `json:"text"`
	AddBOS bool   `json:"add_bos,omitempty"`
}

// TokenizeResponse lists token ids.
type TokenizeResponse struct {
	Tokens []backend.Token `json:"tokens"`
}

// DetokenizeRequest converts tokens to text.
type DetokenizeRequest struct {
	Tokens []backend.Token `json:"tokens"`
}

// DetokenizeResponse carries decoded text.
type DetokenizeResponse struct {
	Text string `json:"text"`
}

// InfoResponse describes the server's loaded context.
type InfoResponse struct {
	Loaded          bool     `json:"loaded"`
	ID              string   `json:"id,omitempty"`
	Model           string   `json:"model,omitempty"`
	ModelPath       string   `json:"model_path,omitempty"`
	Backend         string   `json:"backend,omitempty"`
	Device          string   `json:"device,omitempty"`
	State           string   `json:"state,omitempty"`
	BatchTokens     int      `json:"token_count_in_batch"`
	PromptTokens    int      `json:"prompt_tokens"`
	GeneratedTokens int      `json:"generated_tokens"`
	Backends        []string `json:"backends"`
}

// ErrorBody is the structured error payload.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
	Loaded bool   `json:"loaded"`
	Uptime string `json:"uptime"`
}
