package config

const redacted = "***"

// RedactedConfig returns a copy of cfg with credentials replaced by "***",
// safe to log. Slices are copied so the result shares no memory with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	out.Feed.Instruments = cloneStrings(cfg.Feed.Instruments)
	out.Engine.MaxSizeTiers = append([]TierConfig(nil), cfg.Engine.MaxSizeTiers...)
	out.Engine.OriginationFeeTiers = append([]TierConfig(nil), cfg.Engine.OriginationFeeTiers...)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
