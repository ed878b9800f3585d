package nginx

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"moodlectl/internal/util/atomic"
)

// WriteHtpasswd writes a single-user htpasswd file with a bcrypt hash, which
// nginx accepts through the system crypt(3).
func WriteHtpasswd(path, user, password string) error {
	if user == "" || strings.ContainsAny(user, ":\n") {
		return fmt.Errorf("invalid basic auth user %q", user)
	}
	if password == "" {
		return fmt.Errorf("basic auth password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return atomic.WriteFileAtomic(path, []byte(user+":"+string(hash)+"\n"), 0644)
}
