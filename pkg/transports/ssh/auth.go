package ssh

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// AuthType is the discriminant of an authentication record.
type AuthType string

const (
	// AuthTypePassword uses password authentication
	AuthTypePassword AuthType = "password"

	// AuthTypePublicKey uses private key authentication
	AuthTypePublicKey AuthType = "public-key"
)

// Authentication is the credential used to complete the SSH handshake.
// The set of implementations is closed: PasswordAuthentication and PublicKeyAuthentication.
type Authentication interface {
	// Type returns the discriminant used in the serialized record.
	Type() AuthType

	// AuthMethods returns the ssh auth methods offered during the handshake.
	AuthMethods() ([]ssh.AuthMethod, error)

	// Record returns the tagged serializable form.
	Record() AuthRecord

	isAuthentication()
}

// AuthRecord is the serialized form of an Authentication.
type AuthRecord struct {
	Type  string `json:"type" yaml:"type" validate:"required,oneof=password public-key"`
	Value string `json:"value" yaml:"value" validate:"required"`
}

// PasswordAuthentication authenticates with a password.
type PasswordAuthentication struct {
	Password string
}

// NewPasswordAuthentication returns password based authentication.
func NewPasswordAuthentication(password string) Authentication {
	return PasswordAuthentication{Password: password}
}

func (PasswordAuthentication) isAuthentication() {}

// Type returns AuthTypePassword.
func (PasswordAuthentication) Type() AuthType {
	return AuthTypePassword
}

// AuthMethods offers the password both as "password" and "keyboard-interactive",
// since many servers only prompt through the latter.
func (a PasswordAuthentication) AuthMethods() ([]ssh.AuthMethod, error) {
	return []ssh.AuthMethod{
		ssh.Password(a.Password),
		ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = a.Password
				}
				return answers, nil
			},
		),
	}, nil
}

// Record returns the tagged record holding the password.
func (a PasswordAuthentication) Record() AuthRecord {
	return AuthRecord{Type: string(AuthTypePassword), Value: a.Password}
}

// String keeps the secret out of logs.
func (a PasswordAuthentication) String() string {
	return "password(***)"
}

// PublicKeyAuthentication authenticates with a private key file.
type PublicKeyAuthentication struct {
	KeyPath string
}

// NewPublicKeyAuthentication returns key based authentication. A relative path
// is resolved against the working directory so that the record is stable.
func NewPublicKeyAuthentication(keyPath string) Authentication {
	if abs, err := filepath.Abs(keyPath); err == nil {
		keyPath = abs
	}
	return PublicKeyAuthentication{KeyPath: keyPath}
}

func (PublicKeyAuthentication) isAuthentication() {}

// Type returns AuthTypePublicKey.
func (PublicKeyAuthentication) Type() AuthType {
	return AuthTypePublicKey
}

// AuthMethods reads and parses the private key.
func (a PublicKeyAuthentication) AuthMethods() ([]ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(a.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Record returns the tagged record holding the key path.
func (a PublicKeyAuthentication) Record() AuthRecord {
	return AuthRecord{Type: string(AuthTypePublicKey), Value: a.KeyPath}
}

// ParseAuthentication reconstructs an Authentication from its record.
func ParseAuthentication(record AuthRecord) (Authentication, error) {
	switch AuthType(record.Type) {
	case AuthTypePassword:
		return PasswordAuthentication{Password: record.Value}, nil
	case AuthTypePublicKey:
		return PublicKeyAuthentication{KeyPath: record.Value}, nil
	default:
		return nil, &UnknownAuthenticationTypeError{Type: record.Type}
	}
}
