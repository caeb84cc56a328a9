package db

import "testing"

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig("postgres://agon:pw@localhost:5432/agon", "agon-api")
	if err != nil {
		t.Fatalf("poolConfig: %v", err)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "agon-api" {
		t.Fatalf("application_name=%q", got)
	}
	if got := cfg.ConnConfig.RuntimeParams["statement_timeout"]; got != "30000" {
		t.Fatalf("statement_timeout=%q", got)
	}
	if cfg.MaxConns != 20 || cfg.MinConns != 2 {
		t.Fatalf("conns max=%d min=%d", cfg.MaxConns, cfg.MinConns)
	}
}

func TestPoolConfigKeepsURLParams(t *testing.T) {
	cfg, err := poolConfig("postgres://localhost/agon?application_name=ops&pool_max_conns=50", "agon-worker")
	if err != nil {
		t.Fatalf("poolConfig: %v", err)
	}
	if got := cfg.ConnConfig.RuntimeParams["application_name"]; got != "ops" {
		t.Fatalf("application_name=%q", got)
	}
	if cfg.MaxConns != 50 {
		t.Fatalf("max conns=%d", cfg.MaxConns)
	}
}

func TestPoolConfigRejectsGarbage(t *testing.T) {
	if _, err := poolConfig("::not a url::", "agon"); err == nil {
		t.Fatalf("expected parse error")
	}
}
