package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/macromate/server/internal/agent/gateway"
	"github.com/macromate/server/internal/agent/model"
	logx "github.com/macromate/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey  string
	BaseURL string
	Models  model.ModelsConfig
}

// ChatModels holds the vision and advice gateways, each backed by Gemini models.
type ChatModels struct {
	Vision *gateway.Gateway
	Advice *gateway.Gateway
}

// NewChatModels creates the Gemini client and the vision and advice gateways. When the
// fallback model is enabled it sits behind the primary model of each gateway.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	models := config.Models.WithDefaults()

	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	vision, err := newProvider(ctx, client, models.Vision, "vision")
	if err != nil {
		return nil, err
	}
	advice, err := newProvider(ctx, client, models.Advice, "advice")
	if err != nil {
		return nil, err
	}

	visionProviders := []gateway.Provider{vision}
	adviceProviders := []gateway.Provider{advice}
	if models.FallbackEnabled {
		fallback, err := newProvider(ctx, client, models.Fallback, "fallback")
		if err != nil {
			return nil, err
		}
		visionProviders = append(visionProviders, fallback)
		adviceProviders = append(adviceProviders, fallback)
	}

	visionGW, err := gateway.New("vision", visionProviders...)
	if err != nil {
		return nil, err
	}
	adviceGW, err := gateway.New("advice", adviceProviders...)
	if err != nil {
		return nil, err
	}
	return &ChatModels{Vision: visionGW, Advice: adviceGW}, nil
}

func newProvider(ctx context.Context, client *genai.Client, cfg model.ChatModelConfig, role string) (gateway.Provider, error) {
	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature
	cm, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Str("role", role).Msg("Error creating chat model")
		return gateway.Provider{}, fmt.Errorf("error creating %s model: %w", role, err)
	}
	logx.Debug().Str("role", role).Str("model", cfg.Model).Dur("timeout", cfg.Timeout).Msg("chat model ready")
	return gateway.Provider{Name: cfg.Model, Model: cm, Timeout: cfg.Timeout}, nil
}
