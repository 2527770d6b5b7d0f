package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_GITHUB_TOKEN", "ghp_abcdefghij")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_PR_SCAN_DEPTH", "250")

	cfg, err := NewLoader("APP").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250, cfg.PRScanDepth)
	assert.Equal(t, []string{"ghp_abcdefghij"}, cfg.Tokens())
	// Defaults fill everything unset.
	assert.Equal(t, 100, cfg.PerPage)
	assert.Equal(t, 1, cfg.ForkMinStars)
	assert.Equal(t, 365, cfg.ForkMaxAgeDays)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	t.Setenv("APP_GITHUB_TOKEN", "ghp_abcdefghij")
	t.Setenv("APP_LOG_LEVEL", "verbose")

	_, err := NewLoader("APP").Load()
	assert.Error(t, err)
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("APP_GITHUB_TOKEN", "")
	t.Setenv("APP_GITHUB_TOKENS", "")

	_, err := NewLoader("APP").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no GitHub credentials")
}

func TestTokensMergesSourcesAndDeduplicates(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "tokens.txt")
	require.NoError(t, os.WriteFile(file, []byte("ghp_from_file_1\n# comment\n\nghp_abcdefghij\n"), 0o600))

	cfg := Config{
		GithubToken:      "ghp_abcdefghij",
		GithubTokens:     "ghp_abcdefghij, ghp_second_tok, bad",
		GithubTokensFile: file,
	}
	assert.Equal(t, []string{"ghp_abcdefghij", "ghp_second_tok", "ghp_from_file_1"}, cfg.Tokens())
}

func TestHasAppCredentialNeedsAllThreeFields(t *testing.T) {
	cfg := Config{GithubAppClientID: "Iv1.abc", GithubAppPrivateKey: "---key---"}
	assert.False(t, cfg.HasAppCredential())
	cfg.GithubAppInstallationID = 123
	assert.True(t, cfg.HasAppCredential())
}

func TestLoadTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repos_config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[tiers]]
repos = [
  { name = "paradigmxyz/reth", label = "reth" },
  { name = "ethereum/go-ethereum" },
]

[[tiers]]
repos = [{ name = "bitcoin/bitcoin", label = "btc" }]
`), 0o644))

	targets, err := LoadTargets(path)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, "paradigmxyz/reth", targets[0].Name)
	assert.Equal(t, "reth", targets[0].Label)
	assert.Equal(t, 0, targets[0].Tier)
	assert.Equal(t, "", targets[1].Label)
	assert.Equal(t, 1, targets[2].Tier)
}

func TestLoadTargetsRejectsEmptyAndNameless(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.toml")
	require.NoError(t, os.WriteFile(empty, []byte(""), 0o644))
	_, err := LoadTargets(empty)
	assert.Error(t, err)

	nameless := filepath.Join(dir, "nameless.toml")
	require.NoError(t, os.WriteFile(nameless, []byte("[[tiers]]\nrepos = [{ label = \"x\" }]\n"), 0o644))
	_, err = LoadTargets(nameless)
	assert.Error(t, err)

	_, err = LoadTargets(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}
