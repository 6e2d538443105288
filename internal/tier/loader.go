package tier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type entryConfig struct {
	DailyLimit    int64    `mapstructure:"daily_limit"`
	MonthlyLimit  int64    `mapstructure:"monthly_limit"`
	FileSizeLimit int64    `mapstructure:"file_size_limit"`
	Features      []string `mapstructure:"features"`
	PriceIDs      []string `mapstructure:"price_ids"`
}

// LoadPolicy reads the tier policy from a tiers.yaml file. An explicit path must
// exist; without one the standard locations are searched and the built-in
// defaults apply when nothing is found.
func LoadPolicy(path string) (*Policy, error) {
	v := viper.New()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tiers")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/quotaguard")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("QUOTAGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read tier policy: %w", err)
		}
		return DefaultPolicy(), nil
	}

	var raw map[string]entryConfig
	if err := v.UnmarshalKey("tiers", &raw); err != nil {
		return nil, fmt.Errorf("decode tier policy: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("tier policy file has no tiers section")
	}

	entries := make(map[Tier]Limits, len(raw))
	for name, entry := range raw {
		t, err := ParseTier(name)
		if err != nil {
			return nil, err
		}
		entries[t] = NewLimits(entry.DailyLimit, entry.MonthlyLimit, entry.FileSizeLimit, entry.Features, entry.PriceIDs...)
	}
	return NewPolicy(entries)
}
