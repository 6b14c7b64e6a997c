package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %s", cfg.Redis.Addr)
	}
	if cfg.Kafka.Topic != "claim-attempts" || cfg.Kafka.GroupID != "gridclaim-consumer" {
		t.Errorf("kafka defaults = %s / %s", cfg.Kafka.Topic, cfg.Kafka.GroupID)
	}
	if cfg.Game.DefaultBoardSize != 8 || cfg.Game.DefaultMaxPlayers != 4 || cfg.Game.MinPlayers != 2 {
		t.Errorf("game defaults = %+v", cfg.Game)
	}
	if cfg.RateLimit.CellClaimsPerSecond != 10 || cfg.RateLimit.APIRequestsPerMin != 100 || cfg.RateLimit.WSMessagesPerSecond != 50 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Consistency.Interval != 5*time.Minute || !cfg.Consistency.Enabled {
		t.Errorf("consistency defaults = %+v", cfg.Consistency)
	}
	if cfg.Leaderboard.DefaultLimit != 100 || cfg.Leaderboard.MaxLimit != 1000 {
		t.Errorf("leaderboard defaults = %+v", cfg.Leaderboard)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
game:
  default_board_size: 12
rate_limit:
  cell_claims_per_second: 25
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Game.DefaultBoardSize != 12 {
		t.Errorf("board size = %d, want 12", cfg.Game.DefaultBoardSize)
	}
	if cfg.RateLimit.CellClaimsPerSecond != 25 {
		t.Errorf("claims/sec = %v, want 25", cfg.RateLimit.CellClaimsPerSecond)
	}
	// Unspecified fields still fall back.
	if cfg.Game.MinPlayers != 2 || cfg.Kafka.Topic != "claim-attempts" {
		t.Errorf("defaults not applied: min_players=%d topic=%s", cfg.Game.MinPlayers, cfg.Kafka.Topic)
	}
	if cfg.Game.InviteTTL != 10*time.Minute {
		t.Errorf("invite_ttl = %v, want 10m", cfg.Game.InviteTTL)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("GRIDCLAIM_TEST_PG_PASSWORD", "sekrit")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
postgres:
  password: ${GRIDCLAIM_TEST_PG_PASSWORD}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Postgres.Password != "sekrit" {
		t.Errorf("password = %q, env not expanded", cfg.Postgres.Password)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestConnectionString(t *testing.T) {
	cfg := &PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "gridclaim",
		Password: "pw",
		Database: "gridclaim",
	}
	got := cfg.ConnectionString()
	want := "postgres://gridclaim:pw@db.internal:5433/gridclaim?sslmode=disable"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
