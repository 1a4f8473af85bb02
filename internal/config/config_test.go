package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_DefaultShortTermThresholdIs500Cents(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SHORT_TERM_PRICE_THRESHOLD")
	unsetEnvWithCleanup(t, "SHORT_TERM_PRICE_THRESHOLD_CENTS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ShortTermPriceCents != 500 {
		t.Fatalf("expected default threshold of 500 cents, got %d", cfg.ShortTermPriceCents)
	}
}

func TestLoadConfig_ThresholdInCurrencyUnitsConvertsToCents(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SHORT_TERM_PRICE_THRESHOLD_CENTS")
	setEnvWithCleanup(t, "SHORT_TERM_PRICE_THRESHOLD", "7.25")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ShortTermPriceCents != 725 {
		t.Fatalf("expected 725 cents, got %d", cfg.ShortTermPriceCents)
	}
}

func TestLoadConfig_CentsFormTakesPrecedence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SHORT_TERM_PRICE_THRESHOLD_CENTS", "900")
	setEnvWithCleanup(t, "SHORT_TERM_PRICE_THRESHOLD", "7.25")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ShortTermPriceCents != 900 {
		t.Fatalf("expected explicit cents value to win, got %d", cfg.ShortTermPriceCents)
	}
}

func TestLoadConfig_UsesLedgerServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "LEDGER_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_RateLimitDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "PURCHASE_RATE_LIMIT_PER_MINUTE")
	unsetEnvWithCleanup(t, "LONG_TERM_RENTAL_DURATION_DAYS")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.PurchaseRateLimitPerMinute != 30 {
		t.Fatalf("expected default purchase limit of 30, got %d", cfg.PurchaseRateLimitPerMinute)
	}
	if cfg.LongTermRentalDurationDays != 30 {
		t.Fatalf("expected default rental duration of 30 days, got %d", cfg.LongTermRentalDurationDays)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
