package task

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FallbackCommands is served when no registry file or Makefile can be read.
var FallbackCommands = []string{"help", "install", "test", "clean"}

const (
	SourceFile     = "file"
	SourceMakefile = "makefile"
	SourceFallback = "fallback"
)

type Command struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Registry is the list of known task names, loaded once at startup.
// It is read-only after construction and safe for concurrent use.
type Registry struct {
	source   string
	commands []Command
}

type registryFile struct {
	Commands []Command `yaml:"commands"`
}

func NewRegistry(source string, commands []Command) *Registry {
	return &Registry{source: source, commands: commands}
}

func Fallback() *Registry {
	cmds := make([]Command, 0, len(FallbackCommands))
	for _, name := range FallbackCommands {
		cmds = append(cmds, Command{Name: name})
	}
	return NewRegistry(SourceFallback, cmds)
}

func (r *Registry) Source() string { return r.source }

func (r *Registry) Commands() []Command {
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for _, c := range r.commands {
		names = append(names, c.Name)
	}
	return names
}

// LoadFile reads a YAML registry of the form:
//
//	commands:
//	  - name: build
//	    description: Build everything
func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing registry file %q: %w", path, err)
	}
	if len(f.Commands) == 0 {
		return nil, fmt.Errorf("registry file %q has no commands", path)
	}
	seen := map[string]bool{}
	for _, c := range f.Commands {
		if !ValidName(c.Name) {
			return nil, fmt.Errorf("registry file %q: invalid command name %q", path, c.Name)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("registry file %q: duplicate command %q", path, c.Name)
		}
		seen[c.Name] = true
	}
	return NewRegistry(SourceFile, f.Commands), nil
}

// ParseMakefile returns the sorted, de-duplicated targets declared in .PHONY lines.
func ParseMakefile(r io.Reader) ([]string, error) {
	seen := map[string]bool{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		rest, ok := strings.CutPrefix(line, ".PHONY:")
		if !ok {
			continue
		}
		for _, target := range strings.Fields(rest) {
			if ValidName(target) {
				seen[target] = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(seen))
	for t := range seen {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets, nil
}

func LoadMakefile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening Makefile: %w", err)
	}
	defer f.Close()

	targets, err := ParseMakefile(f)
	if err != nil {
		return nil, fmt.Errorf("reading Makefile %q: %w", path, err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("Makefile %q declares no .PHONY targets", path)
	}
	cmds := make([]Command, 0, len(targets))
	for _, t := range targets {
		cmds = append(cmds, Command{Name: t})
	}
	return NewRegistry(SourceMakefile, cmds), nil
}

// MakefileNames are the file names make reads when none is given, in the order it tries them.
var MakefileNames = []string{"GNUmakefile", "makefile", "Makefile"}

// FindMakefile returns the path of the makefile make would read in dir, or "" if there is none.
func FindMakefile(dir string) string {
	for _, name := range MakefileNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Load builds the registry from the first source that works: the registry file, then the Makefile, then FallbackCommands.
// Either path may be empty to skip that source. Failures are logged and never returned.
func Load(log *zap.SugaredLogger, registryPath, makefilePath string) *Registry {
	if registryPath != "" {
		reg, err := LoadFile(registryPath)
		if err == nil {
			log.Debugw("loaded command registry", "Source", reg.Source(), "Path", registryPath, "Commands", len(reg.commands))
			return reg
		}
		log.Warnw("unable to load registry file, falling back", "Path", registryPath, "Error", err)
	}
	if makefilePath != "" {
		reg, err := LoadMakefile(makefilePath)
		if err == nil {
			log.Debugw("loaded command registry", "Source", reg.Source(), "Path", makefilePath, "Commands", len(reg.commands))
			return reg
		}
		if errors.Is(err, os.ErrNotExist) {
			log.Debugw("no Makefile found, falling back", "Path", makefilePath)
		} else {
			log.Warnw("unable to read Makefile, falling back", "Path", makefilePath, "Error", err)
		}
	}
	return Fallback()
}
