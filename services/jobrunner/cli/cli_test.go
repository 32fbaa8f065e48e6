package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-ingest-flow/services/jobrunner/config"
)

func TestDefaultYAMLLoads(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(defaultJobRunnerYAML)))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "ingest.jobs", cfg.JobsTopic)
	assert.Equal(t, "await", cfg.InFlightPolicy)
	assert.Zero(t, cfg.JobTimeout)
}

func TestInitCmd(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "conf", "jobrunner.yaml")
	cfgFile = dest
	t.Cleanup(func() { cfgFile = "" })

	cmd := newInitCmd("jobrunner", defaultJobRunnerYAML)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), dest)
	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, defaultJobRunnerYAML, string(written))

	assert.Error(t, cmd.Execute(), "second init without --force must fail")

	cmd.SetArgs([]string{"--force"})
	assert.NoError(t, cmd.Execute())
}
