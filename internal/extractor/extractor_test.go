package extractor

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"ChatConsolidator/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const (
	sessionsJSON = `{"allComposers": [
		{"type": "head", "composerId": "c-1", "name": "RAG pipeline work", "lastUpdatedAt": 1757092753004, "createdAt": 1757092558319, "unifiedMode": "agent", "forceMode": "edit", "hasUnreadMessages": false},
		{"type": "head", "composerId": "c-2", "name": "Knowledge history cleanup", "lastUpdatedAt": 1757092853004, "createdAt": 1757092658319, "unifiedMode": "agent", "forceMode": "edit", "hasUnreadMessages": true}
	]}`
	generationsJSON = `[{"unixMs": 1757092600000, "generationUUID": "g-1", "type": "composer", "textDescription": "add tests"}]`
	promptsJSON     = `[{"text": "write tests", "commandType": 4}, {"text": "ship it", "commandType": 1}]`
)

// newTestStore creates a workspace state database laid out like the editor's
// and returns a config pointing at it.
func newTestStore(t *testing.T, entries map[string]string) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = base
	cfg.WorkspaceID = "ws-test"
	cfg.ProjectPath = "/nonexistent/project"

	require.NoError(t, os.MkdirAll(filepath.Join(base, cfg.WorkspaceID), 0755))

	db, err := sql.Open("sqlite3", cfg.DatabasePath())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE cursorDiskKV (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`)
	require.NoError(t, err)

	for k, v := range entries {
		_, err := db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}
	return cfg
}

func fullEntries() map[string]string {
	return map[string]string{
		"composer.composerData": sessionsJSON,
		"aiService.generations": generationsJSON,
		"aiService.prompts":     promptsJSON,
		"workbench.panel":       `{"visible": true}`,
	}
}

func openTestExtractor(t *testing.T, cfg *config.Config) *Extractor {
	t.Helper()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestExtractSessions(t *testing.T) {
	e := openTestExtractor(t, newTestStore(t, fullEntries()))

	bundles, err := e.ExtractSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Len(t, bundles[0].AllComposers, 2)

	assert.Equal(t, "RAG pipeline work", bundles[0].AllComposers[0].Name)
	assert.Equal(t, "c-2", bundles[0].AllComposers[1].ComposerID)
	assert.True(t, bundles[0].AllComposers[1].HasUnreadMessages)
}

func TestExtractGenerationsAndPrompts(t *testing.T) {
	e := openTestExtractor(t, newTestStore(t, fullEntries()))
	ctx := context.Background()

	generations, err := e.ExtractGenerations(ctx)
	require.NoError(t, err)
	require.Len(t, generations, 1)
	assert.Equal(t, "g-1", generations[0].GenerationUUID)

	prompts, err := e.ExtractPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "ship it", prompts[1].Text)
	assert.Equal(t, 1, prompts[1].CommandType)
}

func TestExtract_KeyNotFound(t *testing.T) {
	entries := fullEntries()
	delete(entries, "aiService.prompts")
	e := openTestExtractor(t, newTestStore(t, entries))

	_, err := e.ExtractPrompts(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Contains(t, err.Error(), "aiService.prompts")
}

func TestExtract_CustomKey(t *testing.T) {
	cfg := newTestStore(t, map[string]string{"custom.sessions": sessionsJSON})
	cfg.ComposerDataKey = "custom.sessions"
	e := openTestExtractor(t, cfg)

	bundles, err := e.ExtractSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, bundles[0].AllComposers, 2)
}

func TestExtract_DecodeErrors(t *testing.T) {
	cases := map[string]string{
		"invalid json": `{"allComposers": [`,
		"wrong shape":  `{"composers": []}`,
		"empty":        ``,
		"null":         `null`,
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			entries := fullEntries()
			entries["composer.composerData"] = value
			e := openTestExtractor(t, newTestStore(t, entries))

			_, err := e.ExtractSessions(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestExtract_NullGenerationsIsDecodeError(t *testing.T) {
	entries := fullEntries()
	entries["aiService.generations"] = "null"
	e := openTestExtractor(t, newTestStore(t, entries))

	_, err := e.ExtractGenerations(context.Background())
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNew_MissingDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = t.TempDir()
	cfg.WorkspaceID = "does-not-exist"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreConnect)
}

func TestNew_DoesNotCreateDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = t.TempDir()
	cfg.WorkspaceID = "ws"
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.DBPath, "ws"), 0755))

	_, err := New(context.Background(), cfg)
	require.Error(t, err)

	_, statErr := os.Stat(cfg.DatabasePath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestDatabaseInfo(t *testing.T) {
	cfg := newTestStore(t, fullEntries())
	e := openTestExtractor(t, cfg)

	info, err := e.DatabaseInfo(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"ItemTable", "cursorDiskKV"}, info.Tables)
	assert.Equal(t, int64(4), info.ItemCount)
	assert.Equal(t, "<DB_PATH>/ws-test/state.vscdb", info.DatabasePath)
}

func TestDatabaseInfo_AbsolutePaths(t *testing.T) {
	cfg := newTestStore(t, fullEntries())
	cfg.IncludeAbsolutePaths = true
	e := openTestExtractor(t, cfg)

	info, err := e.DatabaseInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.DatabasePath(), info.DatabasePath)
}

func TestExtractor_ReadOnly(t *testing.T) {
	e := openTestExtractor(t, newTestStore(t, fullEntries()))

	_, err := e.db.Exec(`INSERT INTO ItemTable (key, value) VALUES ('x', 'y')`)
	assert.Error(t, err)
}

func TestNew_RelativeDatabasePath(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := config.Default()
	cfg.DBPath = "data"
	cfg.WorkspaceID = "ws"
	require.NoError(t, os.MkdirAll(filepath.Join("data", "ws"), 0755))

	db, err := sql.Open("sqlite3", cfg.DatabasePath())
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, "composer.composerData", sessionsJSON)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	e := openTestExtractor(t, cfg)
	bundles, err := e.ExtractSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, bundles[0].AllComposers, 2)
}

func TestReadOnlyDSN(t *testing.T) {
	dsn, err := readOnlyDSN("/var/data/ws/state.vscdb")
	require.NoError(t, err)
	assert.Equal(t, "file:///var/data/ws/state.vscdb?mode=ro", dsn)

	dsn, err = readOnlyDSN("/Application Support/state.vscdb")
	require.NoError(t, err)
	assert.Equal(t, "file:///Application%20Support/state.vscdb?mode=ro", dsn)

	t.Chdir(t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	dsn, err = readOnlyDSN(filepath.Join("data", "state.vscdb"))
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(wd, "data", "state.vscdb"))+"?mode=ro", dsn)
}

func TestDatabaseInfo_RecordsErrorOnSpan(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = base
	cfg.WorkspaceID = "ws"
	require.NoError(t, os.MkdirAll(filepath.Join(base, "ws"), 0755))

	db, err := sql.Open("sqlite3", cfg.DatabasePath())
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE cursorDiskKV (key TEXT, value BLOB)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	e, err := New(context.Background(), cfg, WithTracer(tp.Tracer("test")))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	_, err = e.DatabaseInfo(context.Background())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "database_info", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.NotEmpty(t, spans[0].Events())
}
