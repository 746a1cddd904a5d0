package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "librarian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
secret_key: supersecret
sources:
  hera:
    authenticator: token-one
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 21106, cfg.Port)
	assert.Equal(t, 8, cfg.NWorkerThreads)
	assert.Equal(t, "none", cfg.ObsidInferenceMode)
	assert.Equal(t, "normal", cfg.StandingOrderMode)
	assert.Equal(t, "readwrite", cfg.PermissionsMode)
	assert.Equal(t, "librarian.db", cfg.DatabasePath)
	assert.False(t, cfg.ReadOnly())
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
secret_key: supersecret
port: 21107
obsid_inference_mode: hera
standing_order_mode: nighttime
permissions_mode: readonly
sources:
  hera:
    authenticator: token-one
connections:
  peer:
    url: http://peer.example:21106
    authenticator: peer-token
add-stores:
  pot1:
    path_prefix: /pot1data
    ssh_host: herastore01
local_disk_staging:
  dest_prefix: /export/staging
  ssh_host: herastore01
  chown_command: [librarian-chown]
`))
	require.NoError(t, err)

	assert.Equal(t, 21107, cfg.Port)
	assert.True(t, cfg.ReadOnly())
	assert.Equal(t, "http://peer.example:21106", cfg.Connections["peer"].URL)
	assert.Equal(t, "herastore01", cfg.AddStores["pot1"].SSHHost)
	require.NotNil(t, cfg.LocalDiskStaging)
	assert.Equal(t, []string{"librarian-chown"}, cfg.LocalDiskStaging.ChownCommand)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]string{
		"missing secret": `
sources:
  hera: {authenticator: t}
`,
		"bad inference mode": `
secret_key: s
obsid_inference_mode: telepathy
`,
		"bad permissions mode": `
secret_key: s
permissions_mode: sometimes
`,
		"relative store prefix": `
secret_key: s
add-stores:
  pot1: {path_prefix: relative/path}
`,
		"source without authenticator": `
secret_key: s
sources:
  hera: {}
`,
		"staging without chown": `
secret_key: s
local_disk_staging:
  dest_prefix: /export/staging
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestSourceForAuthenticator(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "hera", cfg.SourceForAuthenticator("token-one"))
	assert.Equal(t, "", cfg.SourceForAuthenticator("wrong"))
	assert.Equal(t, "", cfg.SourceForAuthenticator(""))
}
