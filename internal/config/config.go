// Package config loads the arena configuration from a YAML file and ARENA_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nadmax/nexarena/internal/domain"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig    `mapstructure:"server"`
	Log          LogConfig       `mapstructure:"log"`
	Store        StoreConfig     `mapstructure:"store"`
	Streaming    StreamingConfig `mapstructure:"streaming"`
	Queue        QueueConfig     `mapstructure:"queue"`
	Redis        RedisConfig     `mapstructure:"redis"`
	Engine       EngineConfig    `mapstructure:"engine"`
	Judge        JudgeConfig     `mapstructure:"judge"`
	Notify       NotifyConfig    `mapstructure:"notify"`
	Models       []ModelConfig   `mapstructure:"models"`
	ActiveModels []string        `mapstructure:"active_models"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type StreamingConfig struct {
	Driver string `mapstructure:"driver"`
}

type QueueConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

type EngineConfig struct {
	FirstByteTimeout time.Duration `mapstructure:"first_byte_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	SystemPrompt     string        `mapstructure:"system_prompt"`
	Temperature      float32       `mapstructure:"temperature"`
	MaxTokens        int           `mapstructure:"max_tokens"`
}

type JudgeConfig struct {
	ModelID      string `mapstructure:"model_id"`
	Instructions string `mapstructure:"instructions"`
}

type NotifyConfig struct {
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
	FromName       string `mapstructure:"from_name"`
	FromAddress    string `mapstructure:"from_address"`
	To             string `mapstructure:"to"`
}

// Enabled reports whether queue-drained emails should be sent.
func (n NotifyConfig) Enabled() bool {
	return n.SendGridAPIKey != "" && n.To != ""
}

type ModelConfig struct {
	ID            string            `mapstructure:"id"`
	Name          string            `mapstructure:"name"`
	Backend       string            `mapstructure:"backend"`
	UpstreamModel string            `mapstructure:"upstream_model"`
	BaseURL       string            `mapstructure:"base_url"`
	APIKey        string            `mapstructure:"api_key"`
	Mode          string            `mapstructure:"mode"`
	Headers       map[string]string `mapstructure:"headers"`
}

func (m ModelConfig) Model() domain.Model {
	mode := domain.Mode(m.Mode)
	if mode == "" {
		mode = domain.ModeChat
	}

	return domain.Model{
		ID:            m.ID,
		Name:          m.Name,
		Backend:       domain.Backend(m.Backend),
		UpstreamModel: m.UpstreamModel,
		BaseURL:       m.BaseURL,
		APIKey:        m.APIKey,
		Mode:          mode,
		Headers:       m.Headers,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("streaming.driver", "memory")
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "arena")
	v.SetDefault("engine.first_byte_timeout", 60*time.Second)
	v.SetDefault("engine.idle_timeout", time.Duration(0))
	v.SetDefault("engine.system_prompt", "")
	v.SetDefault("engine.temperature", 0.7)
	v.SetDefault("engine.max_tokens", 0)
	v.SetDefault("judge.model_id", "")
	v.SetDefault("judge.instructions", "")
	v.SetDefault("notify.sendgrid_api_key", "")
	v.SetDefault("notify.from_name", "Arena")
	v.SetDefault("notify.from_address", "")
	v.SetDefault("notify.to", "")
}

// Load reads path, or config.yaml from the working directory and /etc/nexarena when path is
// empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nexarena")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Catalog builds the read-only model catalog from the configured models.
func (c *Config) Catalog() (*domain.Catalog, error) {
	models := make([]domain.Model, len(c.Models))
	for i, m := range c.Models {
		models[i] = m.Model()
	}

	return domain.NewCatalog(models)
}

func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]domain.Model, len(c.Models))
	for i, mc := range c.Models {
		m := mc.Model()
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("models[%d]: id is required", i))
			continue
		}
		if _, dup := seen[m.ID]; dup {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate id %q", i, m.ID))
		}
		if !m.Backend.Valid() {
			errs = append(errs, fmt.Errorf("model %q: unsupported backend %q", m.ID, m.Backend))
		}
		if !m.Mode.Valid() {
			errs = append(errs, fmt.Errorf("model %q: unsupported mode %q", m.ID, m.Mode))
		}
		seen[m.ID] = m
	}

	for _, id := range c.ActiveModels {
		if _, ok := seen[id]; !ok {
			errs = append(errs, fmt.Errorf("active model %q is not configured", id))
		}
	}

	if id := c.Judge.ModelID; id != "" {
		m, ok := seen[id]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("judge model %q is not configured", id))
		case m.Mode != domain.ModeChat:
			errs = append(errs, fmt.Errorf("judge model %q must be a chat model", id))
		}
	}

	for key, driver := range map[string]string{
		"store.driver":     c.Store.Driver,
		"streaming.driver": c.Streaming.Driver,
		"queue.driver":     c.Queue.Driver,
	} {
		want := "redis"
		if key == "store.driver" {
			want = "postgres"
		}
		if driver != "memory" && driver != want {
			errs = append(errs, fmt.Errorf("%s: must be memory or %s, got %q", key, want, driver))
		}
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
	}

	return errors.Join(errs...)
}
