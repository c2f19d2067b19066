package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The configuration is loaded once per process, so a single test exercises
// both the file override and the retained defaults.
func TestConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
token = "secret"
port = "9000"
top_k = 3
threshold = 0.25
model_repo = "microsoft/resnet-50"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("SIGHTGLASS_CONFIG", path)

	c := C()
	assert.Equal(t, "secret", c.Token)
	assert.Equal(t, "9000", c.Port)
	assert.Equal(t, 3, c.TopK)
	assert.InDelta(t, 0.25, c.Threshold, 0.0001)
	assert.Equal(t, "microsoft/resnet-50", c.ModelRepo)

	// fields absent from the file keep their defaults
	assert.Equal(t, "0.0.0.0", c.Host)
	assert.Equal(t, "go", c.Backend)
	assert.Equal(t, "classifier", c.ModelName)
	assert.Equal(t, "classification", c.ModelKind)

	// later calls return the same snapshot
	assert.Equal(t, c, C())
}
