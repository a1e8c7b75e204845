package ssh

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the SSH port used when a host does not name one.
const DefaultPort = 22

var validate = validator.New()

// Host holds the coordinates of a remote SSH server. It is an immutable value:
// two hosts are equal when all of their fields are equal.
type Host struct {
	// Address is the IP address or hostname of the remote system
	Address string

	// User is allowed to connect to the remote system
	User string

	// Port is the SSH port of the remote system
	Port int

	// Authentication is the credential for User
	Authentication Authentication
}

// HostRecord is the flat serialized form of a Host.
type HostRecord struct {
	IPAddress      string     `json:"ipAddress" yaml:"ipAddress" validate:"required"`
	UserName       string     `json:"userName" yaml:"userName" validate:"required"`
	Port           int        `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Authentication AuthRecord `json:"authentication" yaml:"authentication"`
}

// NewHost returns a host on the default SSH port.
func NewHost(address, user string, auth Authentication) Host {
	return Host{
		Address:        address,
		User:           user,
		Port:           DefaultPort,
		Authentication: auth,
	}
}

// WithPort returns a copy of the host on another port.
func (h Host) WithPort(port int) Host {
	h.Port = port
	return h
}

// Addr returns the host:port dial address.
func (h Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// String returns user@host:port.
func (h Host) String() string {
	return h.User + "@" + h.Addr()
}

// KeyPath returns the private key path of a public key host.
func (h Host) KeyPath() (string, error) {
	key, ok := h.Authentication.(PublicKeyAuthentication)
	if !ok {
		return "", ErrNotPublicKey
	}
	return key.KeyPath, nil
}

// Record converts the host to its serializable form.
func (h Host) Record() HostRecord {
	record := HostRecord{
		IPAddress: h.Address,
		UserName:  h.User,
		Port:      h.Port,
	}
	if h.Authentication != nil {
		record.Authentication = h.Authentication.Record()
	}
	return record
}

// Validate checks that the host can be connected to.
func (h Host) Validate() error {
	if h.Authentication == nil {
		return fmt.Errorf("authentication is required")
	}
	if err := validate.Struct(h.Record()); err != nil {
		return fmt.Errorf("invalid host %s: %w", h, err)
	}
	return nil
}

// HostFromRecord reconstructs a host from its record. A missing port means DefaultPort.
func HostFromRecord(record HostRecord) (Host, error) {
	auth, err := ParseAuthentication(record.Authentication)
	if err != nil {
		return Host{}, err
	}
	port := record.Port
	if port == 0 {
		port = DefaultPort
	}
	return Host{
		Address:        record.IPAddress,
		User:           record.UserName,
		Port:           port,
		Authentication: auth,
	}, nil
}

// MarshalJSON encodes the host as a HostRecord.
func (h Host) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Record())
}

// UnmarshalJSON decodes a HostRecord.
func (h *Host) UnmarshalJSON(data []byte) error {
	var record HostRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}
	host, err := HostFromRecord(record)
	if err != nil {
		return err
	}
	*h = host
	return nil
}

// MarshalYAML encodes the host as a HostRecord.
func (h Host) MarshalYAML() (interface{}, error) {
	return h.Record(), nil
}

// UnmarshalYAML decodes a HostRecord.
func (h *Host) UnmarshalYAML(value *yaml.Node) error {
	var record HostRecord
	if err := value.Decode(&record); err != nil {
		return err
	}
	host, err := HostFromRecord(record)
	if err != nil {
		return err
	}
	*h = host
	return nil
}

// LoadHostFile reads a JSON host record from path.
func LoadHostFile(path string) (Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Host{}, fmt.Errorf("failed to read host file: %w", err)
	}

	var host Host
	if err := json.Unmarshal(data, &host); err != nil {
		return Host{}, fmt.Errorf("failed to parse host file %s: %w", path, err)
	}

	if err := host.Validate(); err != nil {
		return Host{}, err
	}
	return host, nil
}
