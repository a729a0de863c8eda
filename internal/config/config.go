// Package config содержит логику чтения конфигурации платформы кредитных заявок.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации платформы.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	TaxonomyAddress       string `env:"TAXONOMY_ADDRESS"`
	AuthSecret            string `env:"AUTH_SECRET"`
	LockBankAfterApproval bool   `env:"LOCK_BANK_AFTER_APPROVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envTaxonomyAddress := cfg.TaxonomyAddress
	envAuthSecret := cfg.AuthSecret
	envLockBank := cfg.LockBankAfterApproval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.TaxonomyAddress, "t", "", "loan product taxonomy address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")
	flag.BoolVar(&cfg.LockBankAfterApproval, "l", false, "forbid bank reassignment after approval")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envTaxonomyAddress != "" {
		cfg.TaxonomyAddress = envTaxonomyAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envLockBank {
		cfg.LockBankAfterApproval = true
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
