package menu

import (
	"fmt"

	"moodlectl/internal/certs"
	"moodlectl/internal/environment"
)

// TLSChooser asks how to certify a public hostname.
type TLSChooser struct {
	P *Prompter
}

var _ certs.Chooser = TLSChooser{}

func (c TLSChooser) ChooseTLS(env environment.Name, host string) (certs.EnsureOptions, error) {
	fmt.Fprintf(c.P.out, "\nTLS certificate for %s (%s)\n", env, host)
	i, err := c.P.Choose("Certificate type", []string{
		"Self-signed (development/testing)",
		"Let's Encrypt (public domain required)",
		"Custom (I will provide the files)",
	}, "Cancel")
	if err != nil {
		return certs.EnsureOptions{}, err
	}

	switch i {
	case 0:
		return certs.EnsureOptions{Strategy: certs.SelfSigned}, nil
	case 1:
		email, err := c.P.Ask("Email for Let's Encrypt notices", "")
		if err != nil {
			return certs.EnsureOptions{}, err
		}
		install, err := c.P.Confirm("Install certbot if it is missing?", true)
		if err != nil {
			return certs.EnsureOptions{}, err
		}
		return certs.EnsureOptions{Strategy: certs.LetsEncrypt, Email: email, InstallCertbot: install}, nil
	case 2:
		crt, err := c.P.Ask("Certificate file (.crt/.pem)", "")
		if err != nil {
			return certs.EnsureOptions{}, err
		}
		key, err := c.P.Ask("Private key file (.key)", "")
		if err != nil {
			return certs.EnsureOptions{}, err
		}
		return certs.EnsureOptions{Strategy: certs.Custom, CustomCert: crt, CustomKey: key}, nil
	}
	return certs.EnsureOptions{}, ErrCancelled
}
