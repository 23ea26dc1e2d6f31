package settings

// DB config keys and defaults for settings.
const (
	// RateLimitMaxKey is the number of submissions allowed per window and client.
	RateLimitMaxKey = "RATE_LIMIT_MAX"
	// RateLimitWindowSecondsKey is the rate-limit window length.
	RateLimitWindowSecondsKey = "RATE_LIMIT_WINDOW_SECONDS"
	// UploadMaxBytesKey raises or lowers the per-file upload limit.
	UploadMaxBytesKey = "UPLOAD_MAX_BYTES"
	// SubmissionMaxAgeSecondsKey bounds the age of the form timestamp.
	SubmissionMaxAgeSecondsKey = "SUBMISSION_MAX_AGE_SECONDS"
	// LogRetentionDaysKey keeps info/success integration logs this many days.
	LogRetentionDaysKey = "LOG_RETENTION_DAYS"
	// ErrorLogRetentionDaysKey keeps warning/error integration logs this many days.
	ErrorLogRetentionDaysKey = "ERROR_LOG_RETENTION_DAYS"
	// RetryPollIntervalSecondsKey controls how often the retry worker polls.
	RetryPollIntervalSecondsKey = "RETRY_POLL_INTERVAL_SECONDS"
	// RetryMaxConcurrencyKey caps concurrently executing retry tasks.
	RetryMaxConcurrencyKey = "RETRY_MAX_CONCURRENCY"
	// PropertyCacheSecondsKey is the TTL of cached provider properties.
	PropertyCacheSecondsKey = "PROPERTY_CACHE_SECONDS"

	DefaultRateLimitMax             = 10
	DefaultRateLimitWindowSeconds   = 3600
	DefaultUploadMaxBytes           = 5 << 20
	DefaultSubmissionMaxAgeSeconds  = 24 * 3600
	DefaultLogRetentionDays         = 30
	DefaultErrorLogRetentionDays    = 365
	DefaultRetryPollIntervalSeconds = 15
	DefaultRetryMaxConcurrency      = 4
	DefaultPropertyCacheSeconds     = 3600
)
