package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers WardenGate-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	validators := map[string]validator.Func{
		"store_dsn":   validateStoreDSN,
		"duration":    validateDuration,
		"cors_origin": validateCORSOrigin,
		"key_hash":    validateKeyHash,
	}
	for tag, fn := range validators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
	}
	return nil
}

// validateStoreDSN validates the SQLite data source name.
// Valid shapes: ":memory:", "file:<path>[?opts]", or a plain path.
func validateStoreDSN(fl validator.FieldLevel) bool {
	dsn := fl.Field().String()
	if dsn == ":memory:" {
		return true
	}
	if strings.HasPrefix(dsn, "file:") {
		return len(dsn) > len("file:")
	}
	// Plain path: anything non-empty without a URI scheme we don't understand.
	return dsn != "" && !strings.Contains(dsn, "://")
}

// validateDuration validates a Go duration string (e.g., "30s", "1m30s").
func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// validateCORSOrigin validates one allowed-origin entry.
// Valid values: "*" or a scheme://host[:port] origin without path.
func validateCORSOrigin(fl validator.FieldLevel) bool {
	origin := fl.Field().String()
	if origin == "*" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" && u.Path == "" && u.RawQuery == ""
}

// validateKeyHash validates an admin key hash entry.
// Accepted formats: argon2id PHC strings or "sha256:<64 hex chars>".
func validateKeyHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()
	if strings.HasPrefix(h, "$argon2id$") {
		return len(h) > len("$argon2id$")
	}
	if rest, ok := strings.CutPrefix(h, "sha256:"); ok {
		if len(rest) != 64 {
			return false
		}
		for _, c := range rest {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
				return false
			}
		}
		return true
	}
	return false
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	// Create validator with required struct enabled
	v := validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: auth needs a key source when enforced
	if err := c.validateAuthRequirements(); err != nil {
		return err
	}

	// Cross-field validation: the adapter argv template must place the port
	if err := c.validateAdapterTemplate(); err != nil {
		return err
	}

	return nil
}

// validateAuthRequirements ensures enabled auth has a JWKS endpoint to
// verify tokens against. Disabling auth outside dev mode is refused.
func (c *Config) validateAuthRequirements() error {
	if c.Auth.Enabled {
		if c.Auth.JWKSURL == "" {
			return errors.New("auth.jwks_url is required when auth is enabled (or set dev_mode: true)")
		}
		return nil
	}
	if !c.DevMode {
		return errors.New("auth.enabled: false requires dev_mode: true")
	}
	return nil
}

// validateAdapterTemplate ensures the args template carries the {port}
// placeholder; without it every adapter child would bind the same port.
func (c *Config) validateAdapterTemplate() error {
	for _, arg := range c.Adapter.ArgsTemplate {
		if strings.Contains(arg, "{port}") {
			return nil
		}
	}
	return errors.New("adapter.args_template must contain a {port} placeholder")
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "store_dsn":
		return fmt.Sprintf("%s must be ':memory:', a file: URI, or a filesystem path", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration (e.g. \"30s\")", field)
	case "cors_origin":
		return fmt.Sprintf("%s must be '*' or a scheme://host[:port] origin", field)
	case "key_hash":
		return fmt.Sprintf("%s must be an argon2id hash or sha256:<hex>", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
