package model

import "time"

// ================ Config ================
type ConversationConfig struct {
	MaxTurns int `envconfig:"CONVERSATION_MAX_TURNS" default:"10"`
}

// ChatModelConfig describes one generation model. The same struct is reused for the
// vision, advice and fallback models, so keys are derived from the field path
// (MODELS_VISION_MODEL, MODELS_ADVICE_TEMPERATURE, ...).
type ChatModelConfig struct {
	Model       string        `split_words:"true"`
	MaxTokens   int           `split_words:"true"`
	Temperature float32       `split_words:"true"`
	Timeout     time.Duration `split_words:"true"`
}

type ModelsConfig struct {
	Vision   ChatModelConfig
	Advice   ChatModelConfig
	Fallback ChatModelConfig
	// FallbackEnabled appends the fallback model behind the vision and advice models.
	FallbackEnabled bool `split_words:"true" default:"true"`
}

// WithDefaults fills role specific defaults for anything left unset.
func (m ModelsConfig) WithDefaults() ModelsConfig {
	m.Vision = m.Vision.withDefaults("gemini-2.5-flash", 0.2, 60*time.Second)
	m.Advice = m.Advice.withDefaults("gemini-2.5-flash", 0.7, 60*time.Second)
	m.Fallback = m.Fallback.withDefaults("gemini-2.5-flash-lite", 0.5, 45*time.Second)
	return m
}

func (c ChatModelConfig) withDefaults(name string, temperature float32, timeout time.Duration) ChatModelConfig {
	if c.Model == "" {
		c.Model = name
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = temperature
	}
	if c.Timeout <= 0 {
		c.Timeout = timeout
	}
	return c
}

type NutritionConfig struct {
	APIKey      string        `envconfig:"USDA_API_KEY" default:"DEMO_KEY"`
	BaseURL     string        `envconfig:"USDA_BASE_URL" default:"https://api.nal.usda.gov/fdc/v1"`
	PageSize    int           `envconfig:"USDA_PAGE_SIZE" default:"10"`
	Timeout     time.Duration `envconfig:"USDA_TIMEOUT" default:"15s"`
	CacheTTL    time.Duration `envconfig:"USDA_CACHE_TTL" default:"168h"`
	CacheSize   int           `envconfig:"USDA_CACHE_SIZE" default:"2048"`
	Concurrency int           `envconfig:"USDA_CONCURRENCY" default:"8"`
}

type CheckpointConfig struct {
	Backend    string        `envconfig:"CHECKPOINT_BACKEND" default:"redis"`
	Namespace  string        `envconfig:"CHECKPOINT_NAMESPACE" default:"ai_service"`
	TTL        time.Duration `envconfig:"CHECKPOINT_TTL" default:"168h"`
	SQLitePath string        `envconfig:"CHECKPOINT_SQLITE_PATH" default:"checkpoints.db"`
	MemorySize int           `envconfig:"CHECKPOINT_MEMORY_SIZE" default:"1024"`
}

type StreamConfig struct {
	ChunkRunes      int           `envconfig:"STREAM_CHUNK_RUNES" default:"1"`
	ChunkDelay      time.Duration `envconfig:"STREAM_CHUNK_DELAY" default:"10ms"`
	LockWaitTimeout time.Duration `envconfig:"STREAM_LOCK_WAIT_TIMEOUT" default:"0s"`
	LockIdleTTL     time.Duration `envconfig:"STREAM_LOCK_IDLE_TTL" default:"10m"`
	EventBuffer     int           `envconfig:"STREAM_EVENT_BUFFER" default:"16"`
}
