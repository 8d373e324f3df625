package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vulntor/busbridge/pkg/event"
)

var validate = validator.New()

// Validate checks field constraints, event identifiers and component names.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return WithErrorCode(fmt.Errorf("%w: %s", ErrInvalid, describe(err)), errorCodeInvalidConfig)
	}

	seen := make(map[string]struct{}, len(cfg.Components))
	for i, c := range cfg.Components {
		if _, dup := seen[c.Name]; dup {
			return WithErrorCode(fmt.Errorf("%w: components[%d]: duplicate name %q", ErrInvalid, i, c.Name), errorCodeInvalidConfig)
		}
		seen[c.Name] = struct{}{}

		for _, id := range append(append([]string{}, c.Observes...), c.Publishes...) {
			if err := event.Identifier(id).Validate(); err != nil {
				return WithErrorCode(fmt.Errorf("%w: components[%d]: %w", ErrInvalid, i, err), errorCodeInvalidConfig)
			}
		}
		if c.PlainFunction != nil {
			if err := c.PlainFunction.Validate(); err != nil {
				return WithErrorCode(fmt.Errorf("%w: components[%d].plain_function: %w", ErrInvalid, i, err), errorCodeInvalidConfig)
			}
		}
		if c.InProcess && (c.RestartOnChange || c.Executable != "") {
			return WithErrorCode(fmt.Errorf("%w: components[%d]: restart_on_change and executable need a worker process", ErrInvalid, i), errorCodeInvalidConfig)
		}
	}
	return nil
}

// describe flattens validator errors into "field: rule" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := fe.Namespace()
		if i := strings.Index(ns, "."); i >= 0 {
			ns = ns[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, ns+": "+rule)
	}
	return strings.Join(parts, ", ")
}
