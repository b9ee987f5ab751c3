// Package config resolves the connection profile used by connect.
//
// A profile is assembled from three layers: a YAML file, the NATS_*
// environment variables and explicit flags. Flags win over the environment,
// the environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/lightforgemedia/go-nuts/pkg/payload"
)

const (
	DefaultURL = "nats://localhost:4222"

	EnvURL      = "NATS_URL"
	EnvUser     = "NATS_USER"
	EnvPassword = "NATS_PASSWORD"
	EnvCreds    = "NATS_CREDS"
	EnvNKey     = "NATS_NKEY"

	defaultDir  = "nuts"
	defaultFile = "profile.yaml"
)

// Profile holds the connection parameters. Empty fields are unset.
type Profile struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// Creds is a .creds file path or the decorated credentials themselves.
	Creds string `yaml:"creds"`
	// NKey is an NKEY seed or the path to a seed file.
	NKey string `yaml:"nkey"`
	Name string `yaml:"name"`
}

// DefaultPath returns the per-user profile location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config dir: %w", err)
	}
	return filepath.Join(dir, defaultDir, defaultFile), nil
}

// Parse decodes a YAML profile. Unknown fields are rejected.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.UnmarshalWithOptions(data, &p, yaml.DisallowUnknownField()); err != nil {
		return Profile{}, fmt.Errorf("invalid profile: %w", err)
	}
	return p, nil
}

// LoadFile reads the profile at path.
func LoadFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// FromEnv reads the NATS_* variables through lookup, os.LookupEnv when nil.
func FromEnv(lookup func(string) (string, bool)) Profile {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	return Profile{
		URL:      get(EnvURL),
		User:     get(EnvUser),
		Password: get(EnvPassword),
		Creds:    get(EnvCreds),
		NKey:     get(EnvNKey),
	}
}

// Merge returns p with every non-empty field of over applied on top.
func (p Profile) Merge(over Profile) Profile {
	pick := func(base, top string) string {
		if top != "" {
			return top
		}
		return base
	}
	return Profile{
		URL:      pick(p.URL, over.URL),
		User:     pick(p.User, over.User),
		Password: pick(p.Password, over.Password),
		Creds:    pick(p.Creds, over.Creds),
		NKey:     pick(p.NKey, over.NKey),
		Name:     pick(p.Name, over.Name),
	}
}

// Resolver layers file, environment and flags into one profile.
type Resolver struct {
	// Path is the profile file. A missing file at Path is only an error
	// when Required is set.
	Path     string
	Required bool
	// Lookup reads environment variables; os.LookupEnv when nil.
	Lookup func(string) (string, bool)
}

// Resolve returns the effective profile for flags, validated.
func (r Resolver) Resolve(flags Profile) (Profile, error) {
	var base Profile
	if r.Path != "" {
		p, err := LoadFile(r.Path)
		switch {
		case err == nil:
			base = p
		case errors.Is(err, fs.ErrNotExist) && !r.Required:
		default:
			return Profile{}, err
		}
	}
	p := base.Merge(FromEnv(r.Lookup)).Merge(flags)
	if p.URL == "" {
		p.URL = DefaultURL
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks that user and password are given together.
func (p Profile) Validate() error {
	switch {
	case p.User != "" && p.Password == "":
		return &payload.ProtocolError{Index: -1, Field: "password", Reason: "user given without password"}
	case p.Password != "" && p.User == "":
		return &payload.ProtocolError{Index: -1, Field: "user", Reason: "password given without user"}
	}
	return nil
}

// Files lists the credential files the profile reads from disk.
func (p Profile) Files() []string {
	var out []string
	if p.Creds != "" && !isInlineCreds(p.Creds) {
		out = append(out, p.Creds)
	}
	if p.NKey != "" && !strings.HasPrefix(p.NKey, "SU") {
		out = append(out, p.NKey)
	}
	return out
}

// String renders the profile without secrets.
func (p Profile) String() string {
	var b strings.Builder
	b.WriteString(p.URL)
	if p.User != "" {
		fmt.Fprintf(&b, " user=%s", p.User)
	}
	switch {
	case p.Creds == "":
	case isInlineCreds(p.Creds):
		b.WriteString(" creds=<inline>")
	default:
		fmt.Fprintf(&b, " creds=%s", p.Creds)
	}
	if p.NKey != "" {
		b.WriteString(" nkey=<set>")
	}
	return b.String()
}

func isInlineCreds(s string) bool {
	return strings.Contains(s, "BEGIN NATS USER JWT")
}
