package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gopolicy/internal/fixtures"
	"github.com/TimurManjosov/gopolicy/internal/rules"
	"github.com/TimurManjosov/gopolicy/internal/validation"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []string
}

func (c *changeRecorder) record(id string, oldVersion int, removed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind := "changed"
	if removed {
		kind = "removed"
	}
	c.changes = append(c.changes, kind+":"+id+"@"+strconv.Itoa(oldVersion))
}

func (c *changeRecorder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.changes...)
}

func writeYAML(t *testing.T, path string, r rules.Rule) {
	t.Helper()
	b, err := yaml.Marshal(r)
	require.NoError(t, err)
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, b, 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestFileStore_LoadsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	r := testRule("Limit", rules.PolicyTransactionLimit)
	r.Version = 0
	writeYAML(t, filepath.Join(dir, "limit.yaml"), r)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	fs, err := NewFileStore(dir, zaptest.NewLogger(t), nil, nil)
	require.NoError(t, err)
	defer fs.Close()

	got, err := fs.GetRule(context.Background(), "limit")
	require.NoError(t, err)
	assert.Equal(t, "Limit", got.Name)
	assert.Equal(t, 1, got.Version, "missing versions start at 1")
	assert.Len(t, got.Fields, 2)
}

func TestFileStore_RejectsBrokenFileAtStartup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [unclosed"), 0o644))
	_, err := NewFileStore(dir, zaptest.NewLogger(t), nil, nil)
	assert.Error(t, err)
}

func TestFileStore_WritesThrough(t *testing.T) {
	dir := t.TempDir()
	rec := &changeRecorder{}
	fs, err := NewFileStore(dir, zaptest.NewLogger(t), rec.record, nil)
	require.NoError(t, err)
	defer fs.Close()
	ctx := context.Background()

	created, err := fs.CreateRule(ctx, testRule("Limit", rules.PolicyTransactionLimit))
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, created.ID+".yaml"))
	require.NoError(t, err)
	var onDisk rules.Rule
	require.NoError(t, yaml.Unmarshal(b, &onDisk))
	assert.Equal(t, created.Source, onDisk.Source)
	assert.Equal(t, 1, onDisk.Version)

	_, err = fs.SetActive(ctx, created.ID, false)
	require.NoError(t, err)

	// our own writes never look like external edits
	time.Sleep(200 * time.Millisecond)
	got, err := fs.GetRule(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.False(t, got.Active)
	assert.Empty(t, rec.snapshot())

	_, err = fs.CreateRule(ctx, rules.Rule{ID: "../escape"})
	assert.Error(t, err)
}

func TestFileStore_ExternalEditBumpsVersion(t *testing.T) {
	dir := t.TempDir()
	r := testRule("Limit", rules.PolicyTransactionLimit)
	r.ID = "limit"
	path := filepath.Join(dir, "limit.yaml")
	writeYAML(t, path, r)

	rec := &changeRecorder{}
	fs, err := NewFileStore(dir, zaptest.NewLogger(t), rec.record, nil)
	require.NoError(t, err)
	defer fs.Close()
	ctx := context.Background()

	r.Source = "edited source"
	writeYAML(t, path, r)

	require.Eventually(t, func() bool {
		got, err := fs.GetRule(ctx, "limit")
		return err == nil && got.Version == 2
	}, 5*time.Second, 20*time.Millisecond)

	got, _ := fs.GetRule(ctx, "limit")
	assert.Equal(t, "edited source", got.Source)
	assert.Equal(t, []string{"changed:limit@1"}, rec.snapshot())

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := fs.GetRule(ctx, "limit")
		return errors.Is(err, ErrNotFound)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, rec.snapshot(), "removed:limit@2")
}

func riskRule() rules.Rule {
	return rules.Rule{
		Name:       "Risk",
		PolicyType: rules.PolicyRiskFlag,
		Source:     fixtures.Source(fixtures.RiskFlag),
		Active:     true,
	}
}

func withBlockedCalls(r rules.Rule) rules.Rule {
	r.Source = strings.Replace(r.Source, `"HIGH_AMOUNT"`, `"os.Exit reflect.TypeOf time.Sleep"`, 1)
	return r
}

func TestFileStore_SkipsRejectedFilesAtStartup(t *testing.T) {
	dir := t.TempDir()
	check := validation.NewSourceValidator(zaptest.NewLogger(t)).CheckRule
	writeYAML(t, filepath.Join(dir, "risk.yaml"), riskRule())
	writeYAML(t, filepath.Join(dir, "escape.yaml"), withBlockedCalls(riskRule()))

	fs, err := NewFileStore(dir, zaptest.NewLogger(t), nil, check)
	require.NoError(t, err)
	defer fs.Close()
	ctx := context.Background()

	got, err := fs.GetRule(ctx, "risk")
	require.NoError(t, err)
	assert.Equal(t, "RiskFlagFact", got.FactType)
	assert.Len(t, got.Fields, 7, "fields come from the declare block")

	_, err = fs.GetRule(ctx, "escape")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RejectedEditKeepsLoadedVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.yaml")
	writeYAML(t, path, riskRule())

	rec := &changeRecorder{}
	check := validation.NewSourceValidator(zaptest.NewLogger(t)).CheckRule
	fs, err := NewFileStore(dir, zaptest.NewLogger(t), rec.record, check)
	require.NoError(t, err)
	defer fs.Close()
	ctx := context.Background()

	writeYAML(t, path, withBlockedCalls(riskRule()))
	edited := riskRule()
	edited.Source = strings.Replace(edited.Source, `"HIGH_AMOUNT"`, `"LARGE_AMOUNT"`, 1)
	writeYAML(t, path, edited)

	// Only the accepted edit bumps the version.
	require.Eventually(t, func() bool {
		got, err := fs.GetRule(ctx, "risk")
		return err == nil && got.Version == 2 && strings.Contains(got.Source, "LARGE_AMOUNT")
	}, 5*time.Second, 20*time.Millisecond)

	got, err := fs.GetRule(ctx, "risk")
	require.NoError(t, err)
	assert.NotContains(t, got.Source, "os.Exit")
	assert.Equal(t, []string{"changed:risk@1"}, rec.snapshot())
}

func TestFileStore_NewFileIsPickedUp(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, zaptest.NewLogger(t), nil, nil)
	require.NoError(t, err)
	defer fs.Close()

	writeYAML(t, filepath.Join(dir, "risk.yml"), testRule("Risk", rules.PolicyRiskFlag))
	require.Eventually(t, func() bool {
		_, err := fs.ActiveRuleForPolicyType(context.Background(), rules.PolicyRiskFlag)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFileStore_CloseIsIdempotent(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), zaptest.NewLogger(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Close())
	require.NoError(t, fs.Close())
}
