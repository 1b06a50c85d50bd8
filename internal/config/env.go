package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/reelscribe/reelscribe/internal/log"
	"github.com/rs/zerolog"
)

type envLookupFunc func(string) (string, bool)

func parseStringWithLookup(logger zerolog.Logger, lookup envLookupFunc, key, defaultValue string) string {
	value, ok := lookup(key)
	if !ok || value == "" {
		logger.Debug().Str("key", key).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "key") || strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "dsn") {
		logger.Debug().Str("key", key).Bool("sensitive", true).Str("source", "environment").Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").Msg("using environment variable")
	}
	return value
}

func parseBoolWithLookup(logger zerolog.Logger, lookup envLookupFunc, key string, defaultValue bool) bool {
	value, ok := lookup(key)
	if !ok || value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

func parseIntWithLookup(logger zerolog.Logger, lookup envLookupFunc, key string, defaultValue int) int {
	value, ok := lookup(key)
	if !ok || value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	return i
}

func parseFloatWithLookup(logger zerolog.Logger, lookup envLookupFunc, key string, defaultValue float64) float64 {
	value, ok := lookup(key)
	if !ok || value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	return f
}

func parseDurationWithLookup(logger zerolog.Logger, lookup envLookupFunc, key string, defaultValue time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", value).Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

// ParseDuration is the package-level convenience wrapper used outside the Loader.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseDurationWithLookup(log.WithComponent("config"), os.LookupEnv, key, defaultValue)
}
