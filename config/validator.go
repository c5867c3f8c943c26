package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	rcron "github.com/robfig/cron/v3"
)

// environments are the accepted app.environment values.
var environments = map[string]struct{}{
	"development": {},
	"staging":     {},
	"production":  {},
}

// cronParser accepts the specs scheduler.New registers: six fields with
// seconds, or a descriptor such as @every 5m.
var cronParser = rcron.NewParser(
	rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

var validate = newValidator()

// newValidator reports fields by their config key rather than the Go
// field name.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		_, ok := environments[fl.Field().String()]
		return ok
	})
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cronParser.Parse(fl.Field().String())
		return err == nil
	})
	return v
}

// ConfigError is one invalid setting. Field is the dotted config key, such
// as buffer.max_size.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	if isSecretKey(e.Field) {
		return fmt.Sprintf("%s %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found in one pass.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	parts := make([]string, len(e))
	for i, ce := range e {
		parts[i] = ce.Error()
	}
	return fmt.Sprintf("config: %d invalid setting(s): %s", len(e), strings.Join(parts, "; "))
}

func isSecretKey(field string) bool {
	return strings.HasSuffix(field, "api_key") || strings.HasSuffix(field, "password")
}

// ValidateWithDetails runs the struct tags and the cross-field rules and
// returns ValidationErrors when anything fails.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			details = append(details, ConfigError{
				Field:   configKey(fe.Namespace()),
				Message: describe(fe),
				Value:   fe.Value(),
			})
		}
	}

	for _, rule := range crossFieldRules {
		if ce, bad := rule(cfg); bad {
			details = append(details, ce)
		}
	}

	if len(details) > 0 {
		return details
	}
	return nil
}

// configKey drops the root struct name from a validator namespace.
func configKey(namespace string) string {
	_, key, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return key
}

// crossFieldRules cover constraints spanning more than one setting.
var crossFieldRules = []func(*Config) (ConfigError, bool){
	func(c *Config) (ConfigError, bool) {
		return ConfigError{
			Field:   "llm.api_key",
			Message: "is required when llm.provider is " + c.LLM.Provider,
		}, c.LLM.Provider != "none" && c.LLM.APIKey == ""
	},
	func(c *Config) (ConfigError, bool) {
		return ConfigError{
			Field:   "embedding.dimensions",
			Message: fmt.Sprintf("must equal store.embedding_dim (%d)", c.Store.EmbeddingDim),
			Value:   c.Embedding.Dimensions,
		}, c.Embedding.Provider != "none" && c.Embedding.Dimensions != c.Store.EmbeddingDim
	},
	func(c *Config) (ConfigError, bool) {
		return ConfigError{
			Field:   "scorer.url",
			Message: "is required when the scorer is enabled",
			Value:   "",
		}, c.Scorer.Enabled && c.Scorer.URL == ""
	},
	func(c *Config) (ConfigError, bool) {
		return ConfigError{
			Field:   "proactive.score_threshold",
			Message: fmt.Sprintf("must not be below chat.low_value_score (%v)", c.Chat.LowValueScore),
			Value:   c.Proactive.ScoreThreshold,
		}, c.Proactive.ScoreThreshold < c.Chat.LowValueScore
	},
	func(c *Config) (ConfigError, bool) {
		return ConfigError{
			Field:   "redis.address",
			Message: "is required when buffer.backend is redis",
			Value:   "",
		}, c.Buffer.Backend == "redis" && c.Redis.Address == ""
	},
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "env":
		return "must be one of [development staging production]"
	case "cron":
		return "must be a cron spec with a seconds field, or a descriptor such as @every 5m"
	default:
		return "failed the " + fe.Tag() + " check"
	}
}
