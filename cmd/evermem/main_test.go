package main

import (
	"testing"

	"github.com/evermem/evermem/internal/config"
)

func TestBuildProviderStatic(t *testing.T) {
	p, err := buildProvider(config.EmbeddingConfig{Provider: "static", Dimension: 64})
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if p.Dimension() != 64 {
		t.Fatalf("dimension = %d, want 64", p.Dimension())
	}
}

func TestBuildProviderCaching(t *testing.T) {
	p, err := buildProvider(config.EmbeddingConfig{Provider: "static", Dimension: 64, CacheSize: 128})
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if p.Model() != "static-hash" {
		t.Fatalf("model = %q, cache should delegate to the inner provider", p.Model())
	}
}

func TestBuildProviderUnknown(t *testing.T) {
	if _, err := buildProvider(config.EmbeddingConfig{Provider: "tfidf"}); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestBuildSecondaryDisabled(t *testing.T) {
	cfg := &config.Config{}
	secondary, err := buildSecondary(cfg, nil)
	if err != nil {
		t.Fatalf("buildSecondary: %v", err)
	}
	if secondary != nil {
		t.Fatal("secondary built with nothing enabled")
	}
}

func TestSecondaryName(t *testing.T) {
	if got := secondaryName(&config.Config{}); got != "none" {
		t.Fatalf("secondaryName = %q", got)
	}
	cloudCfg := &config.Config{}
	cloudCfg.Cloud.Enabled = true
	if got := secondaryName(cloudCfg); got != "cloud" {
		t.Fatalf("secondaryName = %q", got)
	}
	pgCfg := &config.Config{}
	pgCfg.Postgres.Enabled = true
	if got := secondaryName(pgCfg); got != "postgres" {
		t.Fatalf("secondaryName = %q", got)
	}
}
