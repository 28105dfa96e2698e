package alert

import (
	"errors"
	"log/slog"
	"os"

	"github.com/signalnine/capsulewatch/internal/config"
)

// Build assembles the sinks enabled in cfg. Alerts are always logged.
// The returned close function releases network sinks.
func Build(cfg config.AlertConfig, logger *slog.Logger) (Sink, func() error) {
	sinks := Multi{Log{Logger: logger}}
	var closers []func() error

	if cfg.Stdout {
		sinks = append(sinks, NewJSONLines(os.Stdout))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhook(cfg.WebhookURL,
			WithWebhookRetries(cfg.WebhookRetries),
			WithWebhookRateLimit(cfg.RateLimit),
			WithWebhookLogger(logger),
		))
	}
	if cfg.RedisAddr != "" {
		r := NewRedis(cfg.RedisAddr, cfg.RedisChannel)
		sinks = append(sinks, r)
		closers = append(closers, r.Close)
	}

	return sinks, func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
}
