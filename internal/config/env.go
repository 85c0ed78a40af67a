package config

import (
	"github.com/caarlos0/env/v11"
)

// applyEnvOverrides fills secret fields from the environment. Environment
// values win over the config file, so tokens can stay out of checked-in
// configs (systemd EnvironmentFile, container secrets, .env tooling).
func applyEnvOverrides(cfg *Config) error {
	var tg struct {
		Token string `env:"COURSEBOT_TELEGRAM_TOKEN"`
	}
	if err := env.Parse(&tg); err != nil {
		return err
	}
	if tg.Token != "" {
		cfg.Telegram.Token = tg.Token
	}

	var cv struct {
		Token   string `env:"COURSEBOT_CANVAS_TOKEN"`
		BaseURL string `env:"COURSEBOT_CANVAS_URL"`
	}
	if err := env.Parse(&cv); err != nil {
		return err
	}
	if cv.Token != "" {
		cfg.Canvas.Token = cv.Token
	}
	if cv.BaseURL != "" {
		cfg.Canvas.BaseURL = cv.BaseURL
	}
	return nil
}
