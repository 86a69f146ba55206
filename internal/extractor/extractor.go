package extractor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"ChatConsolidator/internal/config"
	"ChatConsolidator/internal/session"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ItemTable is the key-value table holding the editor's serialized state.
const ItemTable = "ItemTable"

var (
	ErrStoreConnect = errors.New("failed to connect to store")
	ErrKeyNotFound  = errors.New("key not found")
	ErrDecode       = errors.New("failed to decode value")
)

// DatabaseInfo summarizes the store for diagnostics
type DatabaseInfo struct {
	Tables       []string `json:"tables"`
	ItemCount    int64    `json:"item_count"`
	DatabasePath string   `json:"database_path"`
}

// Extractor reads chat records out of the workspace state database
type Extractor struct {
	config *config.Config
	db     *sql.DB
	logger *slog.Logger
	tracer trace.Tracer

	queryDuration metric.Float64Histogram
	extracted     metric.Int64Counter
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger used for query logging.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// WithTracer sets the tracer used for query spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Extractor) { e.tracer = tracer }
}

// WithMeter registers the extractor's instruments on meter.
func WithMeter(meter metric.Meter) Option {
	return func(e *Extractor) { e.initInstruments(meter) }
}

// New opens the database at cfg.DatabasePath() in read-only mode.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Extractor, error) {
	e := &Extractor{
		config: cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("consolidator"),
	}
	e.initInstruments(otel.Meter("consolidator"))
	for _, opt := range opts {
		opt(e)
	}

	path := cfg.DatabasePath()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreConnect, cfg.SanitizePath(path), err)
	}

	dsn, err := readOnlyDSN(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreConnect, err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStoreConnect, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", ErrStoreConnect, err)
	}

	e.db = db
	e.logger.Info("connected to store", "path", cfg.SanitizePath(path))
	return e, nil
}

// readOnlyDSN builds a SQLite URI for path. The path is made absolute first
// since a relative one would be read as the URI authority.
func readOnlyDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}
	return u.String(), nil
}

func (e *Extractor) initInstruments(meter metric.Meter) {
	var err error
	e.queryDuration, err = meter.Float64Histogram(
		"store.query.duration",
		metric.WithDescription("Store query duration in milliseconds"),
	)
	if err != nil {
		e.logger.Warn("failed to create histogram", "error", err)
	}
	e.extracted, err = meter.Int64Counter(
		"records.extracted",
		metric.WithDescription("Number of records decoded from the store"),
	)
	if err != nil {
		e.logger.Warn("failed to create counter", "error", err)
	}
}

// Close closes the database connection
func (e *Extractor) Close() error {
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}

// ExtractSessions decodes the composer data entry into session bundles.
func (e *Extractor) ExtractSessions(ctx context.Context) ([]session.Bundle, error) {
	var bundle session.Bundle
	if err := e.extract(ctx, "sessions", e.config.ComposerDataKey, &bundle); err != nil {
		return nil, err
	}
	e.record(ctx, "sessions", len(bundle.AllComposers))
	return []session.Bundle{bundle}, nil
}

// ExtractGenerations decodes the AI generations entry.
func (e *Extractor) ExtractGenerations(ctx context.Context) ([]session.Generation, error) {
	var generations []session.Generation
	if err := e.extract(ctx, "generations", e.config.GenerationsKey, &generations); err != nil {
		return nil, err
	}
	e.record(ctx, "generations", len(generations))
	return generations, nil
}

// ExtractPrompts decodes the user prompts entry.
func (e *Extractor) ExtractPrompts(ctx context.Context) ([]session.Prompt, error) {
	var prompts []session.Prompt
	if err := e.extract(ctx, "prompts", e.config.PromptsKey, &prompts); err != nil {
		return nil, err
	}
	e.record(ctx, "prompts", len(prompts))
	return prompts, nil
}

// extract loads the value stored under key and decodes it into dst
func (e *Extractor) extract(ctx context.Context, kind, key string, dst interface{}) error {
	ctx, span := e.tracer.Start(ctx, "extract_"+kind,
		trace.WithAttributes(attribute.String("store.key", key)))
	defer span.End()

	value, err := e.lookup(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := decode(value, dst); err != nil {
		err = fmt.Errorf("%w: key %q: %v", ErrDecode, key, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attribute.Int("store.value_bytes", len(value)))
	e.logger.Debug("decoded store entry", "kind", kind, "key", key, "bytes", len(value))
	return nil
}

func (e *Extractor) lookup(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var value []byte
	err := e.db.QueryRowContext(ctx, "SELECT value FROM "+ItemTable+" WHERE key = ?", key).Scan(&value)
	e.observe(ctx, "lookup", start)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query key %q: %w", key, err)
	}
	return value, nil
}

func decode(value []byte, dst interface{}) error {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return errors.New("value is empty")
	}
	if !json.Valid(trimmed) {
		return errors.New("value is not valid JSON")
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return errors.New("value is null")
	}
	return json.Unmarshal(trimmed, dst)
}

// DatabaseInfo lists the tables in the store and counts the entries in ItemTable.
func (e *Extractor) DatabaseInfo(ctx context.Context) (*DatabaseInfo, error) {
	ctx, span := e.tracer.Start(ctx, "database_info")
	defer span.End()

	info, err := e.databaseInfo(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("store.item_count", info.ItemCount))
	return info, nil
}

func (e *Extractor) databaseInfo(ctx context.Context) (*DatabaseInfo, error) {
	start := time.Now()
	rows, err := e.db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var count int64
	if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+ItemTable).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	e.observe(ctx, "info", start)

	return &DatabaseInfo{
		Tables:       tables,
		ItemCount:    count,
		DatabasePath: e.config.SanitizePath(e.config.DatabasePath()),
	}, nil
}

func (e *Extractor) observe(ctx context.Context, op string, start time.Time) {
	if e.queryDuration == nil {
		return
	}
	e.queryDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", op)))
}

func (e *Extractor) record(ctx context.Context, kind string, n int) {
	if e.extracted != nil {
		e.extracted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
	}
	e.logger.Info("extracted records", "kind", kind, "count", n)
}
