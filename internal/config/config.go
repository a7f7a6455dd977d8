package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v2"

	"subsBack/internal/models"
)

type Config struct {
	Server struct {
		Address   string `yaml:"address"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	RVS struct {
		BaseURL         string `yaml:"base_url"`
		DeveloperSecret string `yaml:"developer_secret"`
		MaxAttempts     int    `yaml:"max_attempts"`
	} `yaml:"rvs"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Catalog []models.Sku `yaml:"catalog"`
}

func LoadConfig() Config {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		log.Fatalf("Failed to unmarshal config data: %v", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "subscriptions.db"
	}
	if secret := os.Getenv("RVS_DEVELOPER_SECRET"); secret != "" {
		cfg.RVS.DeveloperSecret = secret
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	return cfg
}

// CatalogFromConfig builds the SKU catalog, falling back to the built-in one
// when the config names no products.
func CatalogFromConfig(cfg Config) models.Catalog {
	if len(cfg.Catalog) == 0 {
		return models.DefaultCatalog()
	}
	return models.NewCatalog(cfg.Catalog...)
}
