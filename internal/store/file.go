package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gopolicy/internal/dsl"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// RuleCheck returns the reasons a rule read from disk must not be served.
// An empty result accepts it.
type RuleCheck func(r rules.Rule) []string

// ChangeFunc is called after a rule file changed on disk. oldVersion is the
// version that was replaced; a removed file reports removed=true.
type ChangeFunc func(id string, oldVersion int, removed bool)

// FileStore keeps one YAML file per rule in a directory and reloads files
// that change on disk. Edits made outside the process bump the rule version
// when the source, fields or parameters differ. Files rejected by the
// RuleCheck are skipped at startup; a rejected edit keeps the loaded version.
type FileStore struct {
	*MemoryStore

	dir      string
	logger   *zap.Logger
	onChange ChangeFunc
	check    RuleCheck

	writeMu sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileStore loads every *.yaml and *.yml file in dir (creating dir when
// missing) and starts watching it. check may be nil.
func NewFileStore(dir string, logger *zap.Logger, onChange ChangeFunc, check RuleCheck) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		dir:         dir,
		logger:      logger.Named("filestore"),
		onChange:    onChange,
		check:       check,
		done:        make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		r, err := readRuleFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if problems := fs.rejected(r); len(problems) > 0 {
			fs.logger.Warn("skipping rejected rule file",
				zap.String("file", e.Name()),
				zap.Strings("problems", problems))
			continue
		}
		fs.MemoryStore.rules[r.ID] = r
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	fs.watcher = w
	fs.wg.Add(1)
	go fs.watch()

	fs.logger.Info("loaded rule files", zap.String("dir", dir), zap.Int("rules", len(fs.MemoryStore.rules)))
	return fs, nil
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func readRuleFile(path string) (rules.Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return rules.Rule{}, fmt.Errorf("read %s: %w", path, err)
	}
	var r rules.Rule
	if err := yaml.Unmarshal(b, &r); err != nil {
		return rules.Rule{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if r.ID == "" {
		r.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if r.Version < 1 {
		r.Version = 1
	}
	useDeclaredFields(&r)
	if r.Parameters == nil {
		r.Parameters = []rules.Parameter{}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return r, nil
}

// useDeclaredFields takes the fact type and fields from the source's declare
// block. A declaration wins over fields written in the file.
func useDeclaredFields(r *rules.Rule) {
	if factType, fields, ok := dsl.DeclaredSchema(r.Source); ok {
		r.FactType = factType
		r.Fields = fields
	}
}

func (f *FileStore) rejected(r rules.Rule) []string {
	if f.check == nil {
		return nil
	}
	return f.check(r)
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".yaml")
}

// writeFile replaces the rule's file atomically through a rename.
func (f *FileStore) writeFile(r *rules.Rule) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", r.ID, err)
	}
	tmp, err := os.CreateTemp(f.dir, ".rule-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path(r.ID))
}

func (f *FileStore) CreateRule(ctx context.Context, r rules.Rule) (*rules.Rule, error) {
	if strings.ContainsAny(r.ID, `/\`) {
		return nil, fmt.Errorf("invalid rule id %q", r.ID)
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	out, err := f.MemoryStore.CreateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	return out, f.writeFile(out)
}

func (f *FileStore) UpdateRule(ctx context.Context, r rules.Rule) (*rules.Rule, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	out, err := f.MemoryStore.UpdateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	return out, f.writeFile(out)
}

func (f *FileStore) SetActive(ctx context.Context, id string, active bool) (*rules.Rule, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	out, err := f.MemoryStore.SetActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	return out, f.writeFile(out)
}

// ListRules, GetRule and ActiveRuleForPolicyType are served from memory.
var _ Store = (*FileStore)(nil)

func (f *FileStore) watch() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !isRuleFile(name) || strings.HasPrefix(name, ".") {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				f.removed(ev.Name)
			case ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create):
				f.reload(ev.Name)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// reload applies an on-disk change. Files that do not parse are ignored until
// the next write, since editors often save in several steps.
func (f *FileStore) reload(path string) {
	// read under writeMu so a concurrent write-through is never undone by a
	// stale read
	f.writeMu.Lock()
	r, err := readRuleFile(path)
	if err != nil {
		f.writeMu.Unlock()
		f.logger.Warn("ignoring unreadable rule file", zap.String("path", path), zap.Error(err))
		return
	}
	if problems := f.rejected(r); len(problems) > 0 {
		f.writeMu.Unlock()
		f.logger.Warn("rejected rule file edit, keeping loaded version",
			zap.String("path", path),
			zap.Strings("problems", problems))
		return
	}

	f.MemoryStore.mu.Lock()
	old, existed := f.MemoryStore.rules[r.ID]
	oldVersion := old.Version
	changed := !existed || semanticChange(old, r)
	if existed {
		if !changed && old.Active == r.Active && old.Name == r.Name && old.Description == r.Description {
			f.MemoryStore.mu.Unlock()
			f.writeMu.Unlock()
			return
		}
		r.CreatedAt = old.CreatedAt
		r.Version = old.Version
		if changed {
			r.Version = old.Version + 1
		}
		r.UpdatedAt = f.MemoryStore.now()
	}
	f.MemoryStore.rules[r.ID] = *cloneRule(r)
	f.MemoryStore.mu.Unlock()
	f.writeMu.Unlock()

	f.logger.Info("rule file reloaded",
		zap.String("id", r.ID),
		zap.Int("version", r.Version),
		zap.Bool("new", !existed))
	if existed && changed && f.onChange != nil {
		f.onChange(r.ID, oldVersion, false)
	}
}

func (f *FileStore) removed(path string) {
	if _, err := os.Stat(path); err == nil {
		// replaced by a rename into place; the Create event reloads it
		return
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	f.MemoryStore.mu.Lock()
	old, ok := f.MemoryStore.rules[id]
	delete(f.MemoryStore.rules, id)
	f.MemoryStore.mu.Unlock()
	if !ok {
		return
	}
	f.logger.Info("rule file removed", zap.String("id", id))
	if f.onChange != nil {
		f.onChange(id, old.Version, true)
	}
}

// semanticChange reports whether b compiles to something different from a.
func semanticChange(a, b rules.Rule) bool {
	return a.Source != b.Source ||
		a.FactType != b.FactType ||
		!reflect.DeepEqual(normalizeFields(a), normalizeFields(b)) ||
		!reflect.DeepEqual(a.Parameters, b.Parameters)
}

func normalizeFields(r rules.Rule) any {
	if len(r.Fields) == 0 {
		return nil
	}
	return r.Fields
}

// Close stops the watcher.
func (f *FileStore) Close() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
