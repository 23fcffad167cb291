package router

import (
	"strconv"
	"strings"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/env"
)

var BaseURL, CORSOrigin, BodyLimit string
var GZipLevel int

// RequestTimeout bounds a whole HTTP request; provider calls get a shorter budget.
var RequestTimeout time.Duration
var bodyLimitBytes int

func init() {
	// HTTP_BASE_URL: empty by default (no prefix)
	BaseURL = strings.TrimRight(strings.TrimSpace(env.GetEnvStringOrDefault("HTTP_BASE_URL", "")), "/")
	if BaseURL != "" && BaseURL != "/" {
		BaseURL = "/" + strings.TrimLeft(BaseURL, "/")
	} else {
		BaseURL = ""
	}

	CORSOrigin = env.GetEnvStringOrDefault("HTTP_CORS_ORIGIN", "*")

	// Provider webhooks are small JSON documents; 1M is generous.
	BodyLimit = env.GetEnvStringOrDefault("HTTP_BODY_LIMIT_SIZE", "1M")
	bodyLimitBytes = parseBodyLimit(BodyLimit)

	GZipLevel = env.GetEnvIntOrDefault("HTTP_GZIP_LEVEL", 1)

	RequestTimeout = env.GetEnvDurationOrDefault("HTTP_REQUEST_TIMEOUT", 30*time.Second)
}

func BodyLimitBytes() int {
	return bodyLimitBytes
}

func parseBodyLimit(limit string) int {
	const defaultLimit = 1024 * 1024
	limit = strings.TrimSpace(strings.ToUpper(limit))
	if limit == "" {
		return defaultLimit
	}
	multiplier := 1
	switch {
	case strings.HasSuffix(limit, "K"):
		multiplier = 1024
		limit = strings.TrimSuffix(limit, "K")
	case strings.HasSuffix(limit, "M"):
		multiplier = 1024 * 1024
		limit = strings.TrimSuffix(limit, "M")
	case strings.HasSuffix(limit, "G"):
		multiplier = 1024 * 1024 * 1024
		limit = strings.TrimSuffix(limit, "G")
	}
	value, err := strconv.Atoi(strings.TrimSpace(limit))
	if err != nil || value <= 0 {
		return defaultLimit
	}
	return value * multiplier
}
