package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig. Type tells operators which stage of
// loading failed.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: BACKEND_API_KEY_SSM_PARAM holds the
// SSM path whose value becomes BACKEND_API_KEY.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// ssmResolveTimeout bounds the batch SSM lookup during startup.
const ssmResolveTimeout = 30 * time.Second

// loaderDeps holds the OS hooks used by the loader so tests can run without
// touching the process environment.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads, resolves and validates the configuration.
//
// Steps:
//  1. Load a .env file if present. Existing variables are not overridden.
//  2. Outside APP_ENV=local, resolve every *_SSM_PARAM pointer through the
//     provider and export the values.
//  3. Populate Config from envconfig tags.
//  4. Validate field rules, then the rules that span sections.
//
// provider may be nil in local mode.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if err := cfg.validateSections(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateSections enforces the rules that depend on more than one field:
// backend-specific required settings, lock interval ordering and retry budgets
// that fit under the circuit breaker.
func (c *Config) validateSections() error {
	var problems []string

	if c.Lock.AtLeastFor > c.Lock.AtMostFor {
		problems = append(problems, fmt.Sprintf("LOCK_AT_LEAST_FOR (%s) must not exceed LOCK_AT_MOST_FOR (%s)",
			c.Lock.AtLeastFor, c.Lock.AtMostFor))
	}
	if c.Scheduler.RunTimeout > c.Lock.AtMostFor {
		problems = append(problems, fmt.Sprintf("SCHEDULER_RUN_TIMEOUT (%s) must not exceed LOCK_AT_MOST_FOR (%s)",
			c.Scheduler.RunTimeout, c.Lock.AtMostFor))
	}
	if c.Lock.Backend == "postgres" && c.Database.URL.IsZero() {
		problems = append(problems, "DATABASE_URL is required when LOCK_BACKEND=postgres")
	}
	if c.Lock.Backend == "redis" && c.Redis.Addr == "" {
		problems = append(problems, "REDIS_ADDR is required when LOCK_BACKEND=redis")
	}

	switch c.Broker.Kind {
	case "kafka":
		if len(c.Broker.KafkaBrokers) == 0 {
			problems = append(problems, "KAFKA_BROKERS is required when BROKER_KIND=kafka")
		}
	case "sqs":
		for topic, url := range c.Broker.QueueURLs() {
			if url == "" {
				problems = append(problems, fmt.Sprintf("SQS queue URL for topic %q is required when BROKER_KIND=sqs", topic))
			}
		}
	}

	for _, r := range []struct {
		prefix string
		cfg    RetryConfig
	}{{"PRODUCER_RETRY", c.ProducerRetry}, {"CONSUMER_RETRY", c.ConsumerRetry}} {
		if r.cfg.InitialInterval > r.cfg.MaxInterval {
			problems = append(problems, fmt.Sprintf("%s_INITIAL_INTERVAL must not exceed %s_MAX_INTERVAL", r.prefix, r.prefix))
		}
		// Past the threshold the breaker opens and ends the loop early, so the
		// backend would see fewer requests than configured attempts.
		if r.cfg.MaxAttempts > int(c.Backend.BreakerThreshold) {
			problems = append(problems, fmt.Sprintf("%s_MAX_ATTEMPTS (%d) must not exceed BACKEND_BREAKER_THRESHOLD (%d)",
				r.prefix, r.cfg.MaxAttempts, c.Backend.BreakerThreshold))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &ConfigError{
		Type:    ErrValidation,
		Message: strings.Join(problems, "; "),
	}
}

// resolveSSMParams exports the value of every *_SSM_PARAM pointer whose
// target variable is not already set. Direct environment values win over SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	targets := make(map[string]string) // ssm path -> target variable
	var paths []string

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if _, seen := targets[path]; !seen {
			paths = append(paths, path)
		}
		targets[path] = target
	}

	if len(paths) == 0 {
		return nil
	}

	if provider == nil {
		names := make([]string, 0, len(targets))
		for _, path := range paths {
			names = append(names, targets[path])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(names, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, targets[path])
			continue
		}
		if err := deps.setEnv(targets[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targets[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
