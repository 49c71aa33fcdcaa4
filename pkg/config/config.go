// Package config loads and validates per-butler butler.toml files and
// discovers butler rosters on disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/butlerhq/butlerd/pkg/scheduler"
)

// ConfigFileName is the per-butler configuration file.
const ConfigFileName = "butler.toml"

// Config errors.
var (
	ErrConfigNotFound = errors.New("butler.toml not found")
	ErrConfigInvalid  = errors.New("butler config invalid")
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// File is the top-level butler.toml document.
type File struct {
	Butler Butler `toml:"butler"`
}

// Butler is one butler's declaration.
type Butler struct {
	Name        string   `toml:"name"`
	Port        int      `toml:"port"`
	Description string   `toml:"description"`
	Modules     []string `toml:"modules"`

	Runtime  Runtime    `toml:"runtime"`
	DB       DB         `toml:"db"`
	Schedule []Schedule `toml:"schedule"`

	// Dir is where the config was loaded from, for prompt and worktree
	// resolution. Not a TOML field.
	Dir string `toml:"-"`
}

// Runtime selects and tunes the LLM runtime adapter.
type Runtime struct {
	Adapter               string `toml:"adapter"`
	Model                 string `toml:"model"`
	MaxConcurrentSessions int    `toml:"max_concurrent_sessions"`
	MaxTurns              int    `toml:"max_turns"`
	TimeoutS              int    `toml:"timeout_s"`
}

// DB points the butler at its schema. An empty schema defaults to
// butler_<name>.
type DB struct {
	URL    string `toml:"url"`
	Schema string `toml:"schema"`
}

// Schedule is one [[butler.schedule]] entry.
type Schedule struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	Prompt   string `toml:"prompt"`
	Timezone string `toml:"timezone"`
}

// Load reads and validates the butler.toml inside dir.
func Load(dir string) (*Butler, error) {
	path := filepath.Join(dir, ConfigFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var file File
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, path, err)
	}
	b := file.Butler
	b.Dir = dir
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &b, nil
}

// Validate checks the declaration for the mistakes operators actually
// make: bad names, port collisions with nothing, unparseable schedules.
func (b *Butler) Validate() error {
	var problems []string
	if !nameRe.MatchString(b.Name) {
		problems = append(problems, fmt.Sprintf("name %q must be lowercase alphanumeric", b.Name))
	}
	if b.Port < 1 || b.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", b.Port))
	}
	seen := map[string]bool{}
	for i, s := range b.Schedule {
		switch {
		case s.Name == "":
			problems = append(problems, fmt.Sprintf("schedule[%d] has no name", i))
		case seen[s.Name]:
			problems = append(problems, fmt.Sprintf("schedule name %q repeated", s.Name))
		default:
			seen[s.Name] = true
		}
		if _, err := scheduler.ValidateCron(s.Cron); err != nil {
			problems = append(problems, fmt.Sprintf("schedule %q: cron %q is invalid", s.Name, s.Cron))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Schema returns the butler's database schema, defaulting to
// butler_<name> with dashes folded to underscores.
func (b *Butler) Schema() string {
	if b.DB.Schema != "" {
		return b.DB.Schema
	}
	return "butler_" + strings.ReplaceAll(b.Name, "-", "_")
}

// HasModule reports whether a module is enabled for this butler.
func (b *Butler) HasModule(name string) bool {
	for _, m := range b.Modules {
		if m == name {
			return true
		}
	}
	return false
}

// SchedulerEntries converts the TOML schedules into the scheduler's sync
// input.
func (b *Butler) SchedulerEntries() []scheduler.TOMLEntry {
	entries := make([]scheduler.TOMLEntry, 0, len(b.Schedule))
	for _, s := range b.Schedule {
		entries = append(entries, scheduler.TOMLEntry{
			Name:     s.Name,
			Cron:     s.Cron,
			Prompt:   s.Prompt,
			Timezone: s.Timezone,
		})
	}
	return entries
}

// DiscoverRoster loads every roster/<name>/butler.toml under dir, sorted
// by butler name. Directories without a butler.toml are skipped;
// unparseable configs fail the whole discovery so a broken roster is
// loud, not silently partial.
func DiscoverRoster(dir string) ([]*Butler, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: roster dir %s", ErrConfigNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("reading roster dir %s: %w", dir, err)
	}

	var butlers []*Butler
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sub := filepath.Join(dir, entry.Name())
		if _, statErr := os.Stat(filepath.Join(sub, ConfigFileName)); errors.Is(statErr, os.ErrNotExist) {
			continue
		}
		b, err := Load(sub)
		if err != nil {
			return nil, err
		}
		butlers = append(butlers, b)
	}
	sort.Slice(butlers, func(i, j int) bool { return butlers[i].Name < butlers[j].Name })
	return butlers, nil
}
