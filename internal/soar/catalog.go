package soar

import (
	"context"
	_ "embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

const defaultCatalogName = "default_catalog.yaml"

// catalogFile is the on-disk layout of a catalog fragment
type catalogFile struct {
	FallbackPlaybook string           `yaml:"fallback_playbook"`
	InternalTypes    []string         `yaml:"internal_types"`
	Playbooks        []Playbook       `yaml:"playbooks"`
	AutomationRules  []AutomationRule `yaml:"automation_rules"`
}

// Catalog is an immutable, validated set of playbooks and automation rules
type Catalog struct {
	Playbooks []*Playbook
	Rules     []*AutomationRule
	Fallback  *Playbook
	Version   int64

	internal map[string]bool
}

// IsInternal reports whether the incident type is produced by the engine itself
func (c *Catalog) IsInternal(incidentType string) bool {
	return c.internal[strings.ToLower(incidentType)]
}

// Select returns the first playbook triggered by the incident type whose
// severities include the incident severity. Critical incidents without a
// match fall back to the fallback playbook.
func (c *Catalog) Select(inc model.Incident) *Playbook {
	for _, p := range c.Playbooks {
		if p == c.Fallback {
			continue
		}
		if p.triggeredBy(inc.Type) && p.appliesTo(inc.Severity) {
			return p
		}
	}
	if inc.Severity == model.SeverityCritical && c.Fallback != nil {
		return c.Fallback
	}
	return nil
}

// Playbook returns the playbook with the given id
func (c *Catalog) Playbook(id string) *Playbook {
	for _, p := range c.Playbooks {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// catalogBuilder merges fragments; later entries with the same id win
type catalogBuilder struct {
	logger    *slog.Logger
	playbooks map[string]*Playbook
	pbOrder   []string
	rules     map[string]*AutomationRule
	ruleOrder []string
	fallback  string
	internal  map[string]bool
}

func newCatalogBuilder(logger *slog.Logger) *catalogBuilder {
	return &catalogBuilder{
		logger:    logger,
		playbooks: make(map[string]*Playbook),
		rules:     make(map[string]*AutomationRule),
		internal:  make(map[string]bool),
	}
}

func (b *catalogBuilder) add(file string, data []byte) error {
	var frag catalogFile
	if err := yaml.Unmarshal(data, &frag); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	if frag.FallbackPlaybook != "" {
		b.fallback = frag.FallbackPlaybook
	}
	for _, t := range frag.InternalTypes {
		b.internal[strings.ToLower(t)] = true
	}

	for i := range frag.Playbooks {
		pb := frag.Playbooks[i]
		if pb.Disabled {
			if _, exists := b.playbooks[pb.ID]; exists {
				b.logger.Info("Playbook disabled by override", "playbook_id", pb.ID, "file", file)
				delete(b.playbooks, pb.ID)
			}
			continue
		}
		if err := pb.Validate(); err != nil {
			b.logger.Warn("Invalid playbook skipped", "playbook_id", pb.ID, "file", file, "error", err)
			continue
		}
		if existing, exists := b.playbooks[pb.ID]; exists {
			b.logger.Info("Playbook ID conflict resolved by filename override",
				"playbook_id", pb.ID,
				"new_file", file,
				"old_file", existing.SourceFile)
		} else {
			b.pbOrder = append(b.pbOrder, pb.ID)
		}
		pb.SourceFile = file
		b.playbooks[pb.ID] = &pb
	}

	for i := range frag.AutomationRules {
		rule := frag.AutomationRules[i]
		if err := rule.Validate(); err != nil {
			b.logger.Warn("Invalid automation rule skipped", "rule_id", rule.ID, "file", file, "error", err)
			continue
		}
		if _, exists := b.rules[rule.ID]; !exists {
			b.ruleOrder = append(b.ruleOrder, rule.ID)
		}
		b.rules[rule.ID] = &rule
	}
	return nil
}

func (b *catalogBuilder) build() *Catalog {
	c := &Catalog{
		internal: b.internal,
		Version:  time.Now().UnixNano(),
	}
	seen := make(map[string]bool, len(b.pbOrder))
	for _, id := range b.pbOrder {
		if pb, ok := b.playbooks[id]; ok && !seen[id] {
			seen[id] = true
			c.Playbooks = append(c.Playbooks, pb)
		}
	}
	for _, id := range b.ruleOrder {
		c.Rules = append(c.Rules, b.rules[id])
	}
	if b.fallback != "" {
		c.Fallback = c.Playbook(b.fallback)
		if c.Fallback == nil {
			b.logger.Warn("Fallback playbook not found", "playbook_id", b.fallback)
		}
	}
	return c
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog(logger *slog.Logger) (*Catalog, error) {
	b := newCatalogBuilder(logger)
	if err := b.add(defaultCatalogName, defaultCatalogYAML); err != nil {
		return nil, fmt.Errorf("failed to load built-in catalog: %w", err)
	}
	return b.build(), nil
}

// Loader builds catalogs from the built-in defaults plus an optional
// directory of YAML fragments, and reloads them when the files change
type Loader struct {
	dir        string
	hotReload  bool
	debounceMs int
	logger     *slog.Logger
	mu         sync.RWMutex
	snapshot   *Catalog
	loadedMod  time.Time
	watchers   []chan struct{}
}

// NewLoader creates a catalog loader. An empty dir loads the defaults only.
func NewLoader(dir string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		dir:        dir,
		hotReload:  hotReload,
		debounceMs: debounceMs,
		logger:     logger,
	}
}

// LoadSnapshot reads the catalog and makes it current
func (l *Loader) LoadSnapshot() (*Catalog, error) {
	l.logger.Info("Loading response catalog", "dir", l.dir)

	b := newCatalogBuilder(l.logger)
	if err := b.add(defaultCatalogName, defaultCatalogYAML); err != nil {
		return nil, fmt.Errorf("failed to load built-in catalog: %w", err)
	}

	var mod time.Time
	if l.dir != "" {
		mod = l.latestModTime()
		files, err := l.readCatalogFiles()
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog files: %w", err)
		}
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				l.logger.Warn("Failed to read catalog file", "file", file, "error", err)
				continue
			}
			if err := b.add(file, data); err != nil {
				l.logger.Warn("Failed to load catalog file", "file", file, "error", err)
			}
		}
	}

	snapshot := b.build()
	l.logger.Info("Response catalog loaded",
		"playbooks", len(snapshot.Playbooks),
		"automation_rules", len(snapshot.Rules),
		"version", snapshot.Version)

	l.mu.Lock()
	l.snapshot = snapshot
	l.loadedMod = mod
	l.mu.Unlock()

	l.notifyWatchers()
	return snapshot, nil
}

// GetSnapshot returns the current catalog, or nil before the first load
func (l *Loader) GetSnapshot() *Catalog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Subscribe returns a channel signalled after every successful load
func (l *Loader) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()
	return ch
}

func (l *Loader) notifyWatchers() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *Loader) readCatalogFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// WatchForChanges polls the catalog directory until ctx is done and reloads
// after changes settle for the debounce interval
func (l *Loader) WatchForChanges(ctx context.Context) {
	if !l.hotReload || l.dir == "" {
		l.logger.Info("Catalog hot reload disabled")
		return
	}
	l.logger.Info("Starting catalog watcher", "dir", l.dir)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	l.mu.RLock()
	lastMod := l.loadedMod
	l.mu.RUnlock()
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-ticker.C:
			mod := l.latestModTime()
			if !mod.After(lastMod) {
				continue
			}
			lastMod = mod
			l.logger.Info("Catalog files changed, scheduling reload")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(time.Duration(l.debounceMs)*time.Millisecond, func() {
				if _, err := l.LoadSnapshot(); err != nil {
					l.logger.Error("Failed to reload catalog", "error", err)
				}
			})
		}
	}
}

func (l *Loader) latestModTime() time.Time {
	var latest time.Time
	_ = filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
		return nil
	})
	return latest
}
