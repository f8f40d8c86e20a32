package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadEnvironment_Defaults(t *testing.T) {
	cfg, err := LoadEnvironment(map[string]string{})
	if err != nil {
		t.Fatalf("LoadEnvironment failed: %v", err)
	}

	if cfg.Backend != BackendRedis || cfg.Bus != BusRedis {
		t.Errorf("Unexpected kinds %q/%q", cfg.Backend, cfg.Bus)
	}
	if cfg.ServerID == "" {
		t.Error("Expected a generated server id")
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Unexpected redis addr %q", cfg.Redis.Addr)
	}
	if cfg.Writer.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", cfg.Writer.MaxAttempts)
	}
	if cfg.Resilience.Timeout != 500*time.Millisecond {
		t.Errorf("Expected 500ms store timeout, got %v", cfg.Resilience.Timeout)
	}
	breaker := cfg.Resilience.CircuitBreakerConfig
	if breaker.MaxRequests != 5 || breaker.Interval != 60*time.Second || breaker.Timeout != 30*time.Second {
		t.Errorf("Unexpected breaker defaults %+v", breaker)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected info level, got %q", cfg.Log.Level)
	}
}

func TestLoadEnvironment_Overrides(t *testing.T) {
	cfg, err := LoadEnvironment(map[string]string{
		"COINSYNC_SERVER_ID":             "lobby-1",
		"COINSYNC_BACKEND":               "sqlite",
		"COINSYNC_BUS":                   "nats",
		"COINSYNC_SQLITE_PATH":           "/tmp/eco.db",
		"COINSYNC_NATS_URL":              "nats://nats:4222",
		"COINSYNC_REDIS_POOL_SIZE":       "8",
		"COINSYNC_WRITER_WORKERS":        "16",
		"COINSYNC_STORE_TIMEOUT":         "250ms",
		"COINSYNC_STORE_BREAKER_TIMEOUT": "10s",
		"COINSYNC_LOG_LEVEL":             "debug",
	})
	if err != nil {
		t.Fatalf("LoadEnvironment failed: %v", err)
	}

	if cfg.ServerID != "lobby-1" {
		t.Errorf("Unexpected server id %q", cfg.ServerID)
	}
	if cfg.SQLite.Path != "/tmp/eco.db" {
		t.Errorf("Unexpected sqlite path %q", cfg.SQLite.Path)
	}
	if cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("Unexpected nats url %q", cfg.NATS.URL)
	}
	if cfg.Redis.PoolSize != 8 || cfg.Writer.Workers != 16 {
		t.Errorf("Unexpected sizes %d/%d", cfg.Redis.PoolSize, cfg.Writer.Workers)
	}
	if cfg.Resilience.Timeout != 250*time.Millisecond {
		t.Errorf("Unexpected store timeout %v", cfg.Resilience.Timeout)
	}
	if cfg.Resilience.CircuitBreakerConfig.Timeout != 10*time.Second {
		t.Errorf("Unexpected breaker timeout %v", cfg.Resilience.CircuitBreakerConfig.Timeout)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Unexpected log level %q", cfg.Log.Level)
	}
}

func TestLoadEnvironment_Invalid(t *testing.T) {
	tests := map[string]map[string]string{
		"backend":   {"COINSYNC_BACKEND": "postgres"},
		"bus kind":  {"COINSYNC_BUS": "kafka"},
		"attempts":  {"COINSYNC_WRITER_MAX_ATTEMPTS": "0"},
		"pool":      {"COINSYNC_REDIS_POOL_SIZE": "0"},
		"bus combo": {"COINSYNC_BACKEND": "memory"},
	}
	for name, environ := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadEnvironment(environ)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	_, err := LoadEnvironment(map[string]string{"COINSYNC_WRITER_WORKERS": "many"})
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Errorf("Expected parse env error, got %v", err)
	}
}

const currenciesYAML = `
currencies:
  - name: gold
    singular: coin
    plural: coins
    starting_balance: "100"
    tax_rate: "0.1"
    max_balance: "1000000"
    bank: true
    default: true
  - name: gems
    singular: gem
    decimals: 0
    tax_only_on_pay: true
messages:
  paid: "Sent {amount}"
`

func TestParseCurrencies(t *testing.T) {
	currencies, messages, err := ParseCurrencies([]byte(currenciesYAML))
	if err != nil {
		t.Fatalf("ParseCurrencies failed: %v", err)
	}
	if len(currencies) != 2 {
		t.Fatalf("Expected 2 currencies, got %d", len(currencies))
	}

	gold := currencies[0]
	if gold.Name != "gold" || !gold.Default || !gold.BankSupport || gold.Decimals != 2 {
		t.Errorf("Unexpected gold %+v", gold)
	}
	if !gold.StartingBalance.Equal(decimal.NewFromInt(100)) || !gold.TaxRate.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("Unexpected gold amounts %+v", gold)
	}
	if !gold.MaxBalance.Valid || !gold.MaxBalance.Decimal.Equal(decimal.NewFromInt(1000000)) {
		t.Errorf("Unexpected max balance %+v", gold.MaxBalance)
	}

	gems := currencies[1]
	if gems.Decimals != 0 || !gems.TaxOnlyOnPay || gems.MaxBalance.Valid || gems.Plural != "gem" {
		t.Errorf("Unexpected gems %+v", gems)
	}

	if messages["paid"] != "Sent {amount}" {
		t.Errorf("Unexpected messages %v", messages)
	}
}

func TestParseCurrencies_Single(t *testing.T) {
	currencies, _, err := ParseCurrencies([]byte("currencies:\n  - name: gold\n"))
	if err != nil {
		t.Fatalf("ParseCurrencies failed: %v", err)
	}
	if !currencies[0].Default {
		t.Error("Single currency must be default")
	}
}

func TestParseCurrencies_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":          "currencies: []\n",
		"syntax":         "currencies: [\n",
		"duplicate":      "currencies:\n  - name: gold\n    default: true\n  - name: gold\n",
		"no default":     "currencies:\n  - name: gold\n  - name: gems\n",
		"two defaults":   "currencies:\n  - name: gold\n    default: true\n  - name: gems\n    default: true\n",
		"bad amount":     "currencies:\n  - name: gold\n    starting_balance: lots\n",
		"negative tax":   "currencies:\n  - name: gold\n    tax_rate: \"-0.1\"\n",
		"tax above one":  "currencies:\n  - name: gold\n    tax_rate: \"1.5\"\n",
		"bad name":       "currencies:\n  - name: \"gold coins\"\n",
		"start over max": "currencies:\n  - name: gold\n    starting_balance: \"10\"\n    max_balance: \"5\"\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ParseCurrencies([]byte(doc)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadCurrencyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "currencies.yaml")
	if err := os.WriteFile(path, []byte(currenciesYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	currencies, _, err := LoadCurrencyFile(path)
	if err != nil {
		t.Fatalf("LoadCurrencyFile failed: %v", err)
	}
	if len(currencies) != 2 {
		t.Errorf("Expected 2 currencies, got %d", len(currencies))
	}

	if _, _, err := LoadCurrencyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
