package nats

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

const credsJWTMarker = "BEGIN NATS USER JWT"

// Auth holds the optional authentication parameters for a connection.
type Auth struct {
	User     string
	Password string

	// Creds is either the path to a .creds file or the decorated credentials themselves.
	Creds string

	// NKey is an NKEY seed, or the path to a file holding one.
	NKey string
}

var (
	errMissingPassword = errors.New("missing password for basic authentication")
	errMissingUser     = errors.New("missing user for basic authentication")
)

// IsZero reports whether no authentication parameter is set.
func (a Auth) IsZero() bool {
	return a.User == "" && a.Password == "" && a.Creds == "" && a.NKey == ""
}

// Options translates the parameters into nats.Option values.
func (a Auth) Options() ([]nats.Option, error) {
	var opts []nats.Option

	switch {
	case a.User != "" && a.Password != "":
		opts = append(opts, nats.UserInfo(a.User, a.Password))
	case a.User != "":
		return nil, errMissingPassword
	case a.Password != "":
		return nil, errMissingUser
	}

	if a.Creds != "" {
		opt, err := credsOption(a.Creds)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}

	if a.NKey != "" {
		opt, err := nkeyOption(a.NKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
	}
	return opts, nil
}

func credsOption(creds string) (nats.Option, error) {
	if !strings.Contains(creds, credsJWTMarker) {
		return nats.UserCredentials(creds), nil
	}
	contents := []byte(creds)
	jwt, err := nkeys.ParseDecoratedJWT(contents)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	kp, err := nkeys.ParseDecoratedNKey(contents)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	seed, err := kp.Seed()
	if err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}
	return nats.UserJWTAndSeed(jwt, string(seed)), nil
}

func nkeyOption(nkey string) (nats.Option, error) {
	kp, err := nkeys.FromSeed([]byte(strings.TrimSpace(nkey)))
	if err != nil {
		// Not a seed; treat it as a seed file.
		opt, ferr := nats.NkeyOptionFromSeed(nkey)
		if ferr != nil {
			return nil, fmt.Errorf("invalid nkey: %w", errors.Join(err, ferr))
		}
		return opt, nil
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid nkey: %w", err)
	}
	return nats.Nkey(pub, kp.Sign), nil
}
