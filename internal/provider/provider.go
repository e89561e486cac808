package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/MEKXH/toolmesh/internal/config"
)

type providerName string

const (
	providerOpenRouter providerName = "openrouter"
	providerClaude     providerName = "claude"
	providerOpenAI     providerName = "openai"
	providerDeepSeek   providerName = "deepseek"
	providerOllama     providerName = "ollama"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	deepSeekBaseURL   = "https://api.deepseek.com/v1"
)

// fallbackOrder is tried when the model name carries no known provider prefix.
var fallbackOrder = []providerName{providerOpenRouter, providerClaude, providerOpenAI, providerDeepSeek, providerOllama}

// NewChatModel creates the reasoning engine selected by configuration.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	name, pcfg, modelName, err := resolveProvider(cfg)
	if err != nil {
		return nil, err
	}
	a := cfg.Agent

	switch name {
	case providerOpenRouter:
		return newOpenAICompatible(ctx, pcfg, openRouterBaseURL, modelName, a)
	case providerDeepSeek:
		return newOpenAICompatible(ctx, pcfg, deepSeekBaseURL, modelName, a)
	case providerOpenAI:
		return newOpenAICompatible(ctx, pcfg, "", modelName, a)
	case providerClaude:
		return newClaudeModel(ctx, pcfg, modelName, a)
	case providerOllama:
		return newOllamaModel(ctx, pcfg, modelName)
	default:
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
}

// providerFromModel maps a "provider/model" name to its provider.
func providerFromModel(model string) providerName {
	prefix, _, ok := strings.Cut(strings.TrimSpace(model), "/")
	if !ok {
		return ""
	}
	switch strings.ToLower(prefix) {
	case "openrouter":
		return providerOpenRouter
	case "openai":
		return providerOpenAI
	case "deepseek":
		return providerDeepSeek
	case "claude", "anthropic":
		return providerClaude
	case "ollama":
		return providerOllama
	}
	return ""
}

func providerConfig(p config.ProvidersConfig, name providerName) config.ProviderConfig {
	switch name {
	case providerOpenRouter:
		return p.OpenRouter
	case providerClaude:
		return p.Claude
	case providerOpenAI:
		return p.OpenAI
	case providerDeepSeek:
		return p.DeepSeek
	case providerOllama:
		return p.Ollama
	}
	return config.ProviderConfig{}
}

func configured(name providerName, pcfg config.ProviderConfig) bool {
	if name == providerOllama {
		return strings.TrimSpace(pcfg.BaseURL) != ""
	}
	return strings.TrimSpace(pcfg.APIKey) != ""
}

// resolveProvider picks the provider named by the model prefix, otherwise
// the first configured one. OpenRouter receives the full model name since
// its catalog is itself prefixed.
func resolveProvider(cfg *config.Config) (providerName, config.ProviderConfig, string, error) {
	if cfg == nil {
		return "", config.ProviderConfig{}, "", fmt.Errorf("no provider configured: config is nil")
	}
	modelName := strings.TrimSpace(cfg.Agent.Model)

	if name := providerFromModel(modelName); name != "" {
		pcfg := providerConfig(cfg.Providers, name)
		if !configured(name, pcfg) {
			if name == providerOllama {
				return "", pcfg, "", fmt.Errorf("provider %s requires base_url", name)
			}
			return "", pcfg, "", fmt.Errorf("provider %s requires api_key", name)
		}
		if name != providerOpenRouter {
			_, modelName, _ = strings.Cut(modelName, "/")
		}
		return name, pcfg, modelName, nil
	}

	for _, name := range fallbackOrder {
		pcfg := providerConfig(cfg.Providers, name)
		if configured(name, pcfg) {
			return name, pcfg, modelName, nil
		}
	}
	return "", config.ProviderConfig{}, "", fmt.Errorf("no provider configured: set api_key for at least one provider")
}

func newOpenAICompatible(ctx context.Context, p config.ProviderConfig, defaultBaseURL, modelName string, a config.AgentConfig) (model.ToolCallingChatModel, error) {
	cfg := &openai.ChatModelConfig{
		Model:       modelName,
		APIKey:      p.APIKey,
		BaseURL:     defaultBaseURL,
		Temperature: toFloat32Ptr(a.Temperature),
		MaxTokens:   toIntPtr(a.MaxTokens),
	}
	if p.BaseURL != "" {
		cfg.BaseURL = p.BaseURL
	}
	return openai.NewChatModel(ctx, cfg)
}

func newClaudeModel(ctx context.Context, p config.ProviderConfig, modelName string, a config.AgentConfig) (model.ToolCallingChatModel, error) {
	maxTokens := a.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	cfg := &claude.Config{
		APIKey:      p.APIKey,
		Model:       modelName,
		MaxTokens:   maxTokens,
		Temperature: toFloat32Ptr(a.Temperature),
	}
	if p.BaseURL != "" {
		baseURL := p.BaseURL
		cfg.BaseURL = &baseURL
	}
	return claude.NewChatModel(ctx, cfg)
}

func newOllamaModel(ctx context.Context, p config.ProviderConfig, modelName string) (model.ToolCallingChatModel, error) {
	return ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
		BaseURL: strings.TrimRight(p.BaseURL, "/"),
		Model:   modelName,
	})
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

func toIntPtr(i int) *int {
	return &i
}
