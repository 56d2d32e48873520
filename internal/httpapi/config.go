package httpapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/recolor/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/recolor/internal/transform"
)

const (
	defaultListenAddr           = ":8080"
	defaultPublicBaseURL        = "http://localhost:8080"
	defaultAllowedOrigin        = "http://localhost:3000"
	defaultWalletHistoryLimit   = 20
	defaultSignupBonusCredits   = 5
	defaultMaxImageBytes        = 10 << 20
	defaultMaxUpscaleImageBytes = 5 << 20
	defaultRequestLogRetention  = 24 * time.Hour
)

// defaultOperationCosts are the per-operation credit prices.
var defaultOperationCosts = map[transform.Operation]int64{
	transform.OperationColorize:      1,
	transform.OperationEnhanceFace:   3,
	transform.OperationUpscale:       5,
	transform.OperationGenerateScene: 10,
}

// defaultRateLimits are the per-operation sliding-window limits.
var defaultRateLimits = map[string]ratelimit.Limit{
	transform.OperationColorize.String():      {MaxRequests: 10, Window: time.Minute},
	transform.OperationEnhanceFace.String():   {MaxRequests: 5, Window: time.Minute},
	transform.OperationUpscale.String():       {MaxRequests: 5, Window: time.Minute},
	transform.OperationGenerateScene.String(): {MaxRequests: 3, Window: time.Minute},
}

// defaultProductCredits maps billing product ids to granted credits.
var defaultProductCredits = map[string]int64{
	"credits_10":  10,
	"credits_70":  70,
	"credits_150": 150,
	"credits_400": 400,
}

// Config aggregates runtime settings for the API server.
type Config struct {
	ListenAddr           string
	PublicBaseURL        string
	AllowedOrigins       []string
	JWTSigningKey        string
	JWTIssuer            string
	WebhookSecret        string
	SignupBonusCredits   int64
	WalletHistoryLimit   int
	MaxImageBytes        int64
	MaxUpscaleImageBytes int64
	RequestLogRetention  time.Duration
	OperationCosts       map[transform.Operation]int64
	RateLimits           map[string]ratelimit.Limit
	ProductCredits       map[string]int64
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.PublicBaseURL = strings.TrimRight(defaultIfEmpty(cfg.PublicBaseURL, defaultPublicBaseURL), "/")
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if cfg.SignupBonusCredits <= 0 {
		cfg.SignupBonusCredits = defaultSignupBonusCredits
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	if cfg.MaxUpscaleImageBytes <= 0 {
		cfg.MaxUpscaleImageBytes = defaultMaxUpscaleImageBytes
	}
	if cfg.RequestLogRetention <= 0 {
		cfg.RequestLogRetention = defaultRequestLogRetention
	}
	if cfg.OperationCosts == nil {
		cfg.OperationCosts = defaultOperationCosts
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = defaultRateLimits
	}
	if cfg.ProductCredits == nil {
		cfg.ProductCredits = defaultProductCredits
	}
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.JWTIssuer) == "" {
		return fmt.Errorf("jwt issuer is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

// CostFor returns the configured credit price of an operation.
func (cfg *Config) CostFor(operation transform.Operation) (int64, error) {
	cost, ok := cfg.OperationCosts[operation]
	if !ok || cost <= 0 {
		return 0, fmt.Errorf("no cost configured for operation %q", operation)
	}
	return cost, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
