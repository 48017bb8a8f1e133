package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/limit-escrow/internal/engine"
	"github.com/amirphl/limit-escrow/internal/ledger"
)

func TestLoad_Flags(t *testing.T) {
	t.Setenv("DB_CONN_STR", "postgres://env")

	cfg, err := Load([]string{
		"-owner", "erd1owner",
		"-treasury", "erd1treasury",
		"-operators", "erd1op1, erd1op2",
		"-fee-divisor", "500",
		"-clear-mode", "wipe",
		"-http-addr", ":8080",
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.DBConnStr)
	assert.Equal(t, []string{"erd1op1", "erd1op2"}, cfg.Operators)
	assert.Equal(t, uint64(500), cfg.FeeDivisor)
	assert.Equal(t, VenueMock, cfg.Venue)
	assert.Equal(t, 10, cfg.DBMaxOpen)
	assert.Equal(t, 5*time.Second, cfg.NotificationDelay)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	require.NoError(t, cfg.Validate())

	ec := cfg.Engine()
	assert.Equal(t, ledger.Address("erd1owner"), ec.Owner)
	assert.Equal(t, engine.ClearWipe, ec.ClearMode)
	assert.Equal(t, []ledger.Address{"erd1op1", "erd1op2"}, ec.Operators)
}

func TestLoad_YAMLOverridesFlags(t *testing.T) {
	t.Setenv("WALLEX_API_KEY", "secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
owner: "erd1owner"
treasury: "erd1treasury"
fee_divisor: 0
venue: "wallex"
venue_address: "erd1wallex"
wallex_poll_interval: "2s"
markets:
  - { symbol: "TOKATOKB", base: "TOKA-aaaaaa", quote: "TOKB-bbbbbb", base_decimals: 6, quote_decimals: 6 }
kafka_brokers: ["localhost:9092"]
`), 0o644))

	cfg, err := Load([]string{"-config", path, "-fee-divisor", "1000", "-owner", "erd1ignored"})
	require.NoError(t, err)

	assert.Equal(t, "erd1owner", cfg.Owner)
	assert.Equal(t, uint64(0), cfg.FeeDivisor)
	assert.Equal(t, VenueWallex, cfg.Venue)
	assert.Equal(t, 2*time.Second, cfg.WallexPollInterval)
	require.Len(t, cfg.Markets, 1)
	assert.Equal(t, int32(6), cfg.Markets[0].BaseDecimals)
	assert.Equal(t, "secret", cfg.WallexAPIKey)
	assert.Equal(t, "escrow-events", cfg.KafkaTopic, "flag default survives")
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Owner:        "erd1owner",
			Treasury:     "erd1treasury",
			Custody:      "erd1escrow",
			FeeDivisor:   1000,
			ClearMode:    "refund",
			Venue:        VenueMock,
			VenueAddress: "erd1venue",
			MockRates:    []MockRate{{In: "TOKA-aaaaaa", Out: "TOKB-bbbbbb", Rate: "0.5"}},
			Balances:     []Balance{{Account: "erd1pool", Asset: "TOKB-bbbbbb", Amount: "1000000"}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing owner", func(c *Config) { c.Owner = "" }},
		{"fee without treasury", func(c *Config) { c.Treasury = "" }},
		{"bad clear mode", func(c *Config) { c.ClearMode = "burn" }},
		{"venue is custody", func(c *Config) { c.VenueAddress = c.Custody }},
		{"unknown venue", func(c *Config) { c.Venue = "binance" }},
		{"bad mock rate", func(c *Config) { c.MockRates[0].Rate = "-1" }},
		{"bad balance", func(c *Config) { c.Balances[0].Amount = "lots" }},
		{"wallex without key", func(c *Config) { c.Venue = VenueWallex }},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"localhost:9092"} }},
	}

	require.NoError(t, base().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
