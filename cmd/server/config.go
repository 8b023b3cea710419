package main

import (
	"fmt"
	"os"
	"time"

	"github.com/wrenbyte/llm-stream-ui/internal/stream"
)

type config struct {
	Port          string         `yaml:"port"`
	UpstreamURL   string         `yaml:"upstreamURL"`
	DBPath        string         `yaml:"dbPath"`
	ToolID        string         `yaml:"toolID"`
	ContextRounds int            `yaml:"contextRounds"`
	API           apiConfig      `yaml:"api"`
	Playback      playbackConfig `yaml:"playback"`
}

type apiConfig struct {
	APIKey           string  `yaml:"apiKey"`
	BaseURL          string  `yaml:"baseURL"`
	Model            string  `yaml:"model"`
	Temperature      float64 `yaml:"temperature"`
	MaxTokens        int     `yaml:"maxTokens"`
	TopP             float64 `yaml:"topP"`
	FrequencyPenalty float64 `yaml:"frequencyPenalty"`
	PresencePenalty  float64 `yaml:"presencePenalty"`
}

type playbackConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ContentSlice  int           `yaml:"contentSlice"`
	ThinkingSlice int           `yaml:"thinkingSlice"`
}

func (c *config) validate() error {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstreamURL is required")
	}
	if c.API.Model == "" {
		return fmt.Errorf("api model is required")
	}
	if c.API.APIKey == "" {
		c.API.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return nil
}

func (a apiConfig) streamConfig() stream.APIConfig {
	return stream.APIConfig{
		APIKey:           a.APIKey,
		BaseURL:          a.BaseURL,
		Model:            a.Model,
		Temperature:      a.Temperature,
		MaxTokens:        a.MaxTokens,
		TopP:             a.TopP,
		FrequencyPenalty: a.FrequencyPenalty,
		PresencePenalty:  a.PresencePenalty,
	}
}
