// Package config loads the bot's configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	EncryptKey        string
	LarkHost          string

	// Exactly one of GroupID / DepartmentID selects the broadcast
	// audience: a fixed group chat or a department roster.
	GroupID      string
	DepartmentID string
	FilterIDs    []string

	PollDelay    time.Duration
	ReminderLead time.Duration
	ClearLag     time.Duration
	Timezone     string

	Port        int
	DatabaseURL string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppID:             os.Getenv("APP_ID"),
		AppSecret:         os.Getenv("APP_SECRET"),
		VerificationToken: os.Getenv("VERIFICATION_TOKEN"),
		EncryptKey:        os.Getenv("ENCRYPT_KEY"),
		LarkHost:          os.Getenv("LARK_HOST"),
		GroupID:           os.Getenv("GROUP_ID"),
		DepartmentID:      os.Getenv("DEPARTMENT_ID"),
		Timezone:          envDefault("TIMEZONE", "Asia/Seoul"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
	}

	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("APP_ID and APP_SECRET are required")
	}
	if cfg.LarkHost == "" {
		return nil, fmt.Errorf("LARK_HOST is required")
	}
	if cfg.GroupID == "" && cfg.DepartmentID == "" {
		return nil, fmt.Errorf("one of GROUP_ID or DEPARTMENT_ID is required")
	}

	if raw := os.Getenv("FILTER_IDS"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.FilterIDs = append(cfg.FilterIDs, id)
			}
		}
	}

	pollSeconds, err := envInt("POLL_TIME_AFTER_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	reminderMinutes, err := envInt("REMINDER_TIME_BEFORE_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	clearMinutes, err := envInt("CLEAR_TIME_AFTER_MINUTES", 15)
	if err != nil {
		return nil, err
	}
	cfg.PollDelay = time.Duration(pollSeconds) * time.Second
	cfg.ReminderLead = time.Duration(reminderMinutes) * time.Minute
	cfg.ClearLag = time.Duration(clearMinutes) * time.Minute

	cfg.Port, err = envInt("PORT", 5000)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
