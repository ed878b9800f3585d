package app

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	jujuerrors "github.com/juju/errors"

	"moodlectl/internal/certs"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var settingKey = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

type Setting struct {
	Key    string
	Value  string
	Secret bool
}

func isSecret(key string) bool {
	return strings.Contains(key, "PASS")
}

// SettingsShow lists every key in file order; secrets are masked unless reveal.
func (a *App) SettingsShow(reveal bool) ([]Setting, error) {
	s, err := a.Settings()
	if err != nil {
		return nil, err
	}
	var out []Setting
	for _, k := range s.Keys() {
		v := s.Get(k)
		sec := isSecret(k)
		if sec && !reveal && v != "" {
			v = "********"
		}
		out = append(out, Setting{Key: k, Value: v, Secret: sec})
	}
	return out, nil
}

// SettingsSet changes one key and saves the file.
func (a *App) SettingsSet(key, value string) error {
	return a.record("settings set", "", func() error {
		if !settingKey.MatchString(key) {
			return jujuerrors.NotValidf("settings key %q", key)
		}
		if key == "SSL_CERT_TYPE" && value != "" {
			if _, err := certs.ParseStrategy(value); err != nil {
				return err
			}
		}
		s, err := a.Settings()
		if err != nil {
			return err
		}
		s.Set(key, value)
		return s.Save()
	})
}

// EmailSettings are the notification values the backup script reads.
// Empty fields leave the current value alone.
type EmailSettings struct {
	To       string `validate:"omitempty,email"`
	Server   string `validate:"omitempty,hostname"`
	Port     string `validate:"omitempty,numeric,min=1,max=5"`
	User     string
	Password string
	FromName string
}

func (e EmailSettings) pairs() [][2]string {
	return [][2]string{
		{"BACKUP_EMAIL_TO", e.To},
		{"SMTP_SERVER", e.Server},
		{"SMTP_PORT", e.Port},
		{"SMTP_USER", e.User},
		{"SMTP_PASSWORD", e.Password},
		{"SMTP_FROM_NAME", e.FromName},
	}
}

// UpdateEmail writes the notification settings. The sending itself is done
// by the backup script.
func (a *App) UpdateEmail(e EmailSettings) error {
	return a.record("settings email", "", func() error {
		if err := validate.Struct(e); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return jujuerrors.NotValidf("email setting %s=%q (%s)", fe.Field(), fe.Value(), fe.Tag())
			}
			return err
		}
		s, err := a.Settings()
		if err != nil {
			return err
		}
		changed := 0
		for _, kv := range e.pairs() {
			if kv[1] == "" {
				continue
			}
			s.Set(kv[0], kv[1])
			changed++
		}
		if changed == 0 {
			return fmt.Errorf("no email settings given")
		}
		return s.Save()
	})
}

// CurrentEmail reads the notification settings back; the password is masked.
func (a *App) CurrentEmail() (EmailSettings, error) {
	s, err := a.Settings()
	if err != nil {
		return EmailSettings{}, err
	}
	e := EmailSettings{
		To:       s.Get("BACKUP_EMAIL_TO"),
		Server:   s.Get("SMTP_SERVER"),
		Port:     s.Get("SMTP_PORT"),
		User:     s.Get("SMTP_USER"),
		FromName: s.Get("SMTP_FROM_NAME"),
	}
	if s.Get("SMTP_PASSWORD") != "" {
		e.Password = "********"
	}
	return e, nil
}
