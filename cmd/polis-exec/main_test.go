package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	polistls "github.com/polisai/polis-exec/internal/tls"
	"github.com/polisai/polis-exec/pkg/config"
)

const sampleConfig = `
[[custom_command]]
label = "Disk usage"
run_cmd = ["df", "-h"]

[[custom_command]]
label = "Count lines"
url_endpoint = "count"
run_cmd = ["cat", "|", "wc", "-l"]
stdin_allow = true
stdin_is_password = false

[[custom_command]]
label = "Retired"
run_cmd = ["true"]
enabled = false
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api-config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"server", "validate", "list", "gen-cert"})

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, defaultConfigPath, flag.DefValue)
}

func TestValidatePrintsDigest(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	out, err := execute(t, "--config", path, "validate")
	require.NoError(t, err)

	digest, err := config.FileDigest(path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (2 enabled commands of 3, zfs disabled)")
	assert.Contains(t, out, "digest: "+digest)
}

func TestValidateRejectsDuplicateEndpoints(t *testing.T) {
	path := writeConfig(t, `
[[custom_command]]
label = "A"
url_endpoint = "same"
run_cmd = ["true"]

[[custom_command]]
label = "B"
url_endpoint = "same"
run_cmd = ["false"]
`)

	_, err := execute(t, "--config", path, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"B"`)
}

func TestValidateMissingFile(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "validate")
	require.Error(t, err)
}

func TestListShowsResolvedEndpoints(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	out, err := execute(t, "-c", path, "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "PATH"))
	assert.Contains(t, lines[1], "/custom-commands/disk-usage")
	assert.Contains(t, lines[1], "df -h")
	assert.Contains(t, lines[2], "/custom-commands/count")
	assert.Contains(t, lines[2], "cat | wc -l")
	assert.Contains(t, lines[2], "text")
	assert.Contains(t, lines[3], "false")
}

func TestParseCLIConfig(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--config", "/etc/polis-exec.yaml", "--log-level", "debug"}))

	cli, err := parseCLIConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, &CLIConfig{Config: "/etc/polis-exec.yaml", LogLevel: "debug"}, cli)
}

func TestStdinMode(t *testing.T) {
	assert.Equal(t, "-", stdinMode(false, true))
	assert.Equal(t, "secret", stdinMode(true, true))
	assert.Equal(t, "text", stdinMode(true, false))
}

func TestGenCertWritesLoadablePair(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "cert.pem")
	keyFile := filepath.Join(dir, "tls", "key.pem")

	out, err := execute(t, "gen-cert", "--cert", certFile, "--key", keyFile, "--host", "nas.local", "--host", "10.0.0.2")
	require.NoError(t, err)
	assert.Contains(t, out, certFile)

	cfg, err := polistls.BuildServer(polistls.Config{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}
