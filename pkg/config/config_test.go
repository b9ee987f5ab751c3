package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lightforgemedia/go-nuts/pkg/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte("url: nats://demo:4222\nuser: alice\npassword: s3cret\n"))
	require.NoError(t, err)
	assert.Equal(t, Profile{URL: "nats://demo:4222", User: "alice", Password: "s3cret"}, p)

	_, err = Parse([]byte("unknown: field\n"))
	assert.Error(t, err)
}

func TestResolvePrecedence(t *testing.T) {
	path := writeProfile(t, "url: nats://file:4222\nuser: file-user\npassword: file-pass\ncreds: /file.creds\n")
	r := Resolver{
		Path:   path,
		Lookup: env(map[string]string{EnvURL: "nats://env:4222", EnvCreds: "/env.creds"}),
	}

	p, err := r.Resolve(Profile{URL: "nats://flag:4222"})
	require.NoError(t, err)
	assert.Equal(t, "nats://flag:4222", p.URL, "flags win")
	assert.Equal(t, "/env.creds", p.Creds, "environment beats file")
	assert.Equal(t, "file-user", p.User, "file fills the rest")
	assert.Equal(t, "file-pass", p.Password)
}

func TestResolveDefaults(t *testing.T) {
	t.Run("Missing optional file", func(t *testing.T) {
		r := Resolver{Path: filepath.Join(t.TempDir(), "absent.yaml"), Lookup: env(nil)}
		p, err := r.Resolve(Profile{})
		require.NoError(t, err)
		assert.Equal(t, DefaultURL, p.URL)
	})

	t.Run("Missing required file", func(t *testing.T) {
		r := Resolver{Path: filepath.Join(t.TempDir(), "absent.yaml"), Required: true, Lookup: env(nil)}
		_, err := r.Resolve(Profile{})
		assert.Error(t, err)
	})

	t.Run("Invalid file", func(t *testing.T) {
		r := Resolver{Path: writeProfile(t, "url: [\n"), Lookup: env(nil)}
		_, err := r.Resolve(Profile{})
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	var pe *payload.ProtocolError

	err := Profile{User: "alice"}.Validate()
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "password", pe.Field)

	err = Profile{Password: "x"}.Validate()
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "user", pe.Field)

	assert.NoError(t, Profile{User: "a", Password: "b"}.Validate())
	assert.NoError(t, Profile{}.Validate())
}

func TestFilesAndString(t *testing.T) {
	inline := "-----BEGIN NATS USER JWT-----\nabc\n------END NATS USER JWT------\n"
	p := Profile{URL: DefaultURL, User: "u", Password: "secret", Creds: inline, NKey: "SUAEXAMPLE"}
	assert.Empty(t, p.Files())
	assert.NotContains(t, p.String(), "secret")
	assert.Contains(t, p.String(), "creds=<inline>")

	p = Profile{Creds: "/tmp/user.creds", NKey: "/tmp/seed.nk"}
	assert.Equal(t, []string{"/tmp/user.creds", "/tmp/seed.nk"}, p.Files())
}
