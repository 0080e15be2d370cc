package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Config is read from the environment, optionally seeded from a .env file.
type Config struct {
	// RelayChannel selects the relay channel every widget joins.
	RelayChannel string `envconfig:"RELAY_CHANNEL"`
	RelayURL     string `envconfig:"RELAY_URL" default:"ws://localhost:4017/relay"`

	SSHAddr    string `envconfig:"SSH_ADDR" default:":2222"`
	SSHHostKey string `envconfig:"SSH_HOST_KEY" default:"configs/ssh_host_key"`

	// Development relay.
	RelayAddr     string `envconfig:"RELAY_ADDR" default:":4017"`
	RelayDataPath string `envconfig:"RELAY_DATA_PATH"`
	RelayHistory  int    `envconfig:"RELAY_HISTORY" default:"0"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the given .env files (missing files are ignored) and then the environment.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Level parses LogLevel, defaulting to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their environment variable name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("envconfig")
	})
	return v
}

// widgetSettings are the fields the SSH widget host needs.
type widgetSettings struct {
	RelayChannel string `envconfig:"RELAY_CHANNEL" validate:"required"`
	RelayURL     string `envconfig:"RELAY_URL" validate:"required,url"`
	SSHAddr      string `envconfig:"SSH_ADDR" validate:"required"`
}

// relaySettings are the fields the development relay needs.
type relaySettings struct {
	RelayChannel  string `envconfig:"RELAY_CHANNEL" validate:"required"`
	RelayAddr     string `envconfig:"RELAY_ADDR" validate:"required"`
	RelayHistory  int    `envconfig:"RELAY_HISTORY" validate:"gte=0"`
	RelayDataPath string `envconfig:"RELAY_DATA_PATH" validate:"required_unless=RelayHistory 0"`
}

// ValidateWidget checks the settings the SSH widget host needs.
func (c Config) ValidateWidget() error {
	return check(widgetSettings{
		RelayChannel: c.RelayChannel,
		RelayURL:     c.RelayURL,
		SSHAddr:      c.SSHAddr,
	})
}

// ValidateRelay checks the settings the development relay needs.
func (c Config) ValidateRelay() error {
	return check(relaySettings{
		RelayChannel:  c.RelayChannel,
		RelayAddr:     c.RelayAddr,
		RelayHistory:  c.RelayHistory,
		RelayDataPath: c.RelayDataPath,
	})
}

func check(settings any) error {
	err := validate.Struct(settings)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, fieldError(fe))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "required_unless":
		return fmt.Errorf("%s is required when RELAY_HISTORY is set", fe.Field())
	case "gte":
		return fmt.Errorf("%s must not be negative", fe.Field())
	case "url":
		return fmt.Errorf("%s must be a URL, got %q", fe.Field(), fe.Value())
	default:
		return fmt.Errorf("%s failed %s check", fe.Field(), fe.Tag())
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
