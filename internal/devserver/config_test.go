package devserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9100"
api_key: client-key
catalog:
  gates:
    new_checkout:
      value: true
      rule_id: r1
  configs:
    pricing:
      value:
        tier: gold
  layers:
    ui:
      value:
        color: red
      explicit_parameters: [color]
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "client-key", cfg.APIKey)
	assert.Equal(t, GateRule{Value: true, RuleID: "r1"}, cfg.Catalog.Gates["new_checkout"])
	assert.Equal(t, "gold", cfg.Catalog.Configs["pricing"].Value["tier"])
	assert.Equal(t, []string{"color"}, cfg.Catalog.Layers["ui"].ExplicitParameters)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
