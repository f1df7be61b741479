/*
Package config loads the report engine's runtime configuration.

PURPOSE:
  Centralizes environment handling: a .env file is loaded when present
  (local development), then the process environment wins. Secrets -
  storefront tokens, the webhook URL, trigger API keys - only ever enter
  through here and are never logged.

STOREFRONTS:
  SHOPS names the configured storefronts; each NAME then carries its own
  SHOP_<NAME>_URL, SHOP_<NAME>_TOKEN and SHOP_<NAME>_SERVICE variables.

VARIABLES:
  REPORT_TIMEZONE    Reporting timezone (default Asia/Tokyo)
  REPORT_SCHEDULE    Cron expression for the weekly run (default Mon 09:00)
  WEBHOOK_URL        Chat incoming-webhook URL
  API_KEYS           Comma-separated manual-trigger allow-list
  SHOPS              Comma-separated storefront names
  SHOP_<NAME>_URL    Storefront export base URL
  SHOP_<NAME>_TOKEN  Storefront API token
  SHOP_<NAME>_SERVICE Service tag the storefront's orders belong to
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/printworks/report-engine/report"
)

// ShopConfig is one storefront's connection settings.
type ShopConfig struct {
	Name    string
	BaseURL string
	Token   string
	Service report.ServiceTag
}

// Config is the resolved runtime configuration.
type Config struct {
	Timezone   *time.Location
	Schedule   string
	WebhookURL string
	APIKeys    []string
	Shops      []ShopConfig
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	loc, err := report.LoadReportingLocation(getenv("REPORT_TIMEZONE", report.DefaultTimezone))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		Timezone:   loc,
		Schedule:   getenv("REPORT_SCHEDULE", "0 9 * * MON"),
		WebhookURL: os.Getenv("WEBHOOK_URL"),
		APIKeys:    splitList(os.Getenv("API_KEYS")),
	}

	for _, name := range splitList(os.Getenv("SHOPS")) {
		shop, err := loadShop(name)
		if err != nil {
			return nil, err
		}
		cfg.Shops = append(cfg.Shops, shop)
	}

	return cfg, nil
}

func loadShop(name string) (ShopConfig, error) {
	prefix := "SHOP_" + strings.ToUpper(name) + "_"

	baseURL := os.Getenv(prefix + "URL")
	token := os.Getenv(prefix + "TOKEN")
	service := os.Getenv(prefix + "SERVICE")
	if baseURL == "" || token == "" || service == "" {
		return ShopConfig{}, fmt.Errorf("config: shop %s: %sURL, %sTOKEN and %sSERVICE are required",
			name, prefix, prefix, prefix)
	}

	tag, err := report.ParseServiceTag(service)
	if err != nil {
		return ShopConfig{}, fmt.Errorf("config: shop %s: %w", name, err)
	}

	return ShopConfig{Name: name, BaseURL: baseURL, Token: token, Service: tag}, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
