package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config validation: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, describe(fe))
		}
	}

	if c.BasePath != "" && !filepath.IsAbs(c.BasePath) {
		errs = append(errs, fmt.Sprintf("base_path=%q must be absolute", c.BasePath))
	}
	if c.BasePath == "/" {
		errs = append(errs, "base_path must not be /")
	}

	if _, err := cron.ParseStandard(c.TLS.RenewSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("tls.renew_schedule=%q invalid: %v", c.TLS.RenewSchedule, err))
	}

	if (c.Proxy.TestingAuthUser == "") != (c.Proxy.TestingAuthPassword == "") {
		errs = append(errs, "proxy.testing_auth_user and proxy.testing_auth_password must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	// Namespace is "Config.TLS.CertbotBin"; drop the root type name.
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s=%q must be one of [%s]", field, fe.Value(), fe.Param())
	case "url":
		return fmt.Sprintf("%s=%q is not a valid URL", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s%s", field, fe.Tag(), paramSuffix(fe.Param()))
	}
}

func paramSuffix(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
