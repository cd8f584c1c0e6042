package task

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseMakefile(t *testing.T) {
	mk := ".PHONY: test build\n" +
		"build:\n\tgo build ./...\n" +
		"  .PHONY:   clean test\n" +
		".PHONY: $(GENERATED)\n" +
		"test:\n\tgo test ./...\n"
	targets, err := ParseMakefile(strings.NewReader(mk))
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "clean", "test"}, targets)
}

func TestLoadFile(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		expNames []string
		expErr   string
	}{
		{
			name:     "happy case",
			contents: "commands:\n  - name: build\n    description: Build it\n  - name: test\n",
			expNames: []string{"build", "test"},
		},
		{
			name:     "empty",
			contents: "commands: []\n",
			expErr:   "has no commands",
		},
		{
			name:     "invalid name",
			contents: "commands:\n  - name: rm -rf\n",
			expErr:   "invalid command name",
		},
		{
			name:     "duplicate",
			contents: "commands:\n  - name: a\n  - name: a\n",
			expErr:   "duplicate command",
		},
		{
			name:     "malformed yaml",
			contents: "commands: [",
			expErr:   "parsing registry file",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reg, err := LoadFile(writeFile(t, "commands.yaml", c.contents))
			if c.expErr != "" {
				require.ErrorContains(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expNames, reg.Names())
			assert.Equal(t, SourceFile, reg.Source())
		})
	}
}

func TestLoad(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	registry := writeFile(t, "commands.yaml", "commands:\n  - name: deploy\n")
	makefile := writeFile(t, "Makefile", ".PHONY: lint\nlint:\n\t@true\n")
	missing := filepath.Join(t.TempDir(), "missing")

	cases := []struct {
		name      string
		registry  string
		makefile  string
		expSource string
		expNames  []string
	}{
		{name: "registry file wins", registry: registry, makefile: makefile, expSource: SourceFile, expNames: []string{"deploy"}},
		{name: "makefile when no registry", makefile: makefile, expSource: SourceMakefile, expNames: []string{"lint"}},
		{name: "makefile when registry missing", registry: missing, makefile: makefile, expSource: SourceMakefile, expNames: []string{"lint"}},
		{name: "fallback", registry: missing, makefile: missing, expSource: SourceFallback, expNames: FallbackCommands},
		{name: "nothing configured", expSource: SourceFallback, expNames: FallbackCommands},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reg := Load(log, c.registry, c.makefile)
			assert.Equal(t, c.expSource, reg.Source())
			assert.Equal(t, c.expNames, reg.Names())
		})
	}
}

func TestFindMakefile(t *testing.T) {
	cases := []struct {
		name    string
		files   []string
		expName string
	}{
		{name: "Makefile", files: []string{"Makefile"}, expName: "Makefile"},
		{name: "lowercase makefile", files: []string{"makefile"}, expName: "makefile"},
		{name: "GNUmakefile", files: []string{"GNUmakefile"}, expName: "GNUmakefile"},
		{name: "GNUmakefile first", files: []string{"Makefile", "GNUmakefile"}, expName: "GNUmakefile"},
		{name: "none", files: nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range c.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte(".PHONY: x\n"), 0o644))
			}
			path := FindMakefile(dir)
			if c.expName == "" {
				assert.Empty(t, path)
				return
			}
			assert.Equal(t, filepath.Join(dir, c.expName), path)
		})
	}
}

func TestFindMakefileSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "GNUmakefile"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "makefile"), []byte(".PHONY: x\n"), 0o644))
	assert.Equal(t, filepath.Join(dir, "makefile"), FindMakefile(dir))
}
