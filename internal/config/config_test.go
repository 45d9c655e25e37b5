package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(defaultViper())
	require.NoError(t, err)

	assert.Equal(t, "500", cfg.Limits.Day.String())
	assert.Equal(t, "1500", cfg.Limits.Week.String())
	assert.Equal(t, "2500", cfg.Limits.Month.String())
	assert.Equal(t, "8500", cfg.Limits.Year.String())
	assert.Equal(t, 3, cfg.Payout.RetryAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Payout.RetryInterval)
	assert.Equal(t, 8, cfg.Payout.RetryConcurrency)
	assert.Equal(t, []string{"rtp", "fednow"}, cfg.Payout.Methods)
	assert.Equal(t, 90, cfg.Retention.Days)
	assert.Equal(t, 90*24*time.Hour, cfg.Keys.RotationInterval)
	assert.Equal(t, RailSandbox, cfg.Rail.Environment)
	assert.Equal(t, "https://sandbox.rail.example.com", cfg.Rail.BaseURL())
	assert.Equal(t, 10*time.Second, cfg.Rail.Timeout)
	assert.Equal(t, "USD", cfg.Fees.SettlementCurrency)
}

func TestFromViper_Overrides(t *testing.T) {
	v := defaultViper()
	v.Set("retry_attempts", 5)
	v.Set("federal_limits.24h", "750.50")
	v.Set("rail_environment", "PRODUCTION")
	v.Set("rail.production_url", "https://rail.example.com")

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Payout.RetryAttempts)
	assert.Equal(t, "750.5", cfg.Limits.Day.String())
	assert.Equal(t, "https://rail.example.com", cfg.Rail.BaseURL())
}

func TestFromViper_Invalid(t *testing.T) {
	cases := map[string]func(v *viper.Viper){
		"unknown rail environment": func(v *viper.Viper) { v.Set("rail_environment", "staging") },
		"production without url":   func(v *viper.Viper) { v.Set("rail_environment", "production") },
		"zero retry attempts":      func(v *viper.Viper) { v.Set("retry_attempts", 0) },
		"non-numeric limit":        func(v *viper.Viper) { v.Set("federal_limits.7d", "lots") },
		"negative limit":           func(v *viper.Viper) { v.Set("federal_limits.ytd", "-1") },
		"fee percentage of one":    func(v *viper.Viper) { v.Set("fees.percentage", "1") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := defaultViper()
			mutate(v)
			_, err := FromViper(v)
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PAYOUT_RETRY_ATTEMPTS", "4")
	t.Setenv("PAYOUT_FEDERAL_LIMITS_24H", "600")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Payout.RetryAttempts)
	assert.Equal(t, "600", cfg.Limits.Day.String())
}
