package settings

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	DefaultMoodleVersion = "4.5.5"
	DefaultBasePath      = "/opt/docker-project"
)

// Defaults returns a fresh settings file with generated credentials.
func Defaults(path, moodleVersion string) (*File, error) {
	if moodleVersion == "" {
		moodleVersion = DefaultMoodleVersion
	}
	f := New(path)

	f.Set("MOODLE_VERSION", moodleVersion)
	f.Set("PROJECT_NAME", "moodle_infrastructure")

	type envDefaults struct {
		prefix, url, db, user, admin, email, httpPort, httpsPort string
	}
	for _, d := range []envDefaults{
		{"TEST", "https://test.moodle.local", "moodle_test", "moodle_test_user", "admin_test", "admin@test.moodle.local", "8080", "8443"},
		{"PROD", "https://moodle.local", "moodle_prod", "moodle_prod_user", "admin", "admin@moodle.local", "80", "443"},
	} {
		f.Set(d.prefix+"_URL", d.url)
		f.Set(d.prefix+"_DB_NAME", d.db)
		f.Set(d.prefix+"_DB_USER", d.user)
		for _, k := range []string{"_DB_PASS", "_DB_ROOT_PASS"} {
			p, err := GeneratePassword(16)
			if err != nil {
				return nil, err
			}
			f.Set(d.prefix+k, p)
		}
		f.Set(d.prefix+"_MOODLE_ADMIN_USER", d.admin)
		p, err := GeneratePassword(16)
		if err != nil {
			return nil, err
		}
		f.Set(d.prefix+"_MOODLE_ADMIN_PASS", p)
		f.Set(d.prefix+"_MOODLE_ADMIN_EMAIL", d.email)
		f.Set(d.prefix+"_HTTP_PORT", d.httpPort)
		f.Set(d.prefix+"_HTTPS_PORT", d.httpsPort)
	}

	f.Set("NGINX_HTTP_PORT", "80")
	f.Set("NGINX_HTTPS_PORT", "443")

	f.Set("SSL_CERT_TYPE", "self-signed")
	f.Set("SSL_LETSENCRYPT_EMAIL", "")
	f.Set("SSL_FORCE_HTTPS", "true")

	f.Set("BACKUP_RETENTION_DAYS", "7")
	f.Set("BACKUP_EMAIL_TO", "")

	f.Set("SMTP_SERVER", "smtp.gmail.com")
	f.Set("SMTP_PORT", "465")
	f.Set("SMTP_USER", "")
	f.Set("SMTP_PASSWORD", "")
	f.Set("SMTP_FROM_NAME", "Moodle Backup System")

	return f, nil
}

const (
	lower   = "abcdefghijklmnopqrstuvwxyz"
	upper   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
	special = "!@#%^&*"
)

// GeneratePassword returns a random password with at least one lowercase,
// uppercase, digit and special character. '$' is left out so values survive
// compose interpolation and shell sourcing.
func GeneratePassword(n int) (string, error) {
	if n < 4 {
		return "", fmt.Errorf("password length %d too short (min 4)", n)
	}
	all := lower + upper + digits + special

	out := make([]byte, 0, n)
	for _, set := range []string{lower, upper, digits, special} {
		ch, err := pick(set)
		if err != nil {
			return "", err
		}
		out = append(out, ch)
	}
	for len(out) < n {
		ch, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, ch)
	}

	// Fisher-Yates so the guaranteed classes are not always first
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		k := int(j.Int64())
		out[i], out[k] = out[k], out[i]
	}
	return string(out), nil
}

func pick(set string) (byte, error) {
	i, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("generate password: %w", err)
	}
	return set[i.Int64()], nil
}
