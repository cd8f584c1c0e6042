package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", ".env"), nil, 0o644))

	path, err := FindUp(".env", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", ".env"), path)

	path, err = FindUp("taskgate-no-such-file", nested)
	require.NoError(t, err)
	assert.Empty(t, path)
}
