package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server_url = "http://localhost:4500"
relay_token = "secret"
relay_name = "build-box"
relay_role = "coding"
safe_paths = ["/home/dev/work", "/tmp/scratch"]
labels = ["gpu"]
setup_script = "git fetch origin"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "http://localhost:4500", c.ServerURL)
	assert.Equal(t, "secret", c.Token)
	assert.Equal(t, "build-box", c.Name)
	assert.Equal(t, "coding", c.Role)
	assert.Equal(t, []string{"/home/dev/work", "/tmp/scratch"}, c.SafePaths)
	assert.Equal(t, []string{"gpu"}, c.Labels)
	assert.Equal(t, "git fetch origin", c.SetupScript)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server_url = "http://old:4500"
relay_token = "file-token"
relay_role = "qa"
`)
	t.Setenv("SERVER_URL", "http://new:4500")
	t.Setenv("RELAY_TOKEN", "env-token")
	t.Setenv("SAFE_PATHS", "/a, /b,/c")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://new:4500", c.ServerURL)
	assert.Equal(t, "env-token", c.Token)
	assert.Equal(t, "qa", c.Role)
	assert.Equal(t, []string{"/a", "/b", "/c"}, c.SafePaths)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVER_URL", "http://localhost:4500")
	t.Setenv("RELAY_TOKEN", "tok")

	c, err := Load("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "general", c.Role)
	host, _ := os.Hostname()
	assert.Equal(t, host, c.Name)
	assert.Empty(t, c.SafePaths)
}

func TestValidate_Errors(t *testing.T) {
	c := &Config{Token: "tok", Role: "general"}
	assert.ErrorContains(t, c.Validate(), "server_url")

	c = &Config{ServerURL: "http://x", Role: "general"}
	assert.ErrorContains(t, c.Validate(), "relay_token")

	c = &Config{ServerURL: "http://x", Token: "tok", Role: "pirate"}
	assert.ErrorContains(t, c.Validate(), "invalid relay_role")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
