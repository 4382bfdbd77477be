package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// Force HTTP/1.1 for WSS connections to prevent HTTP/2 ALPN negotiation.
	// WebSocket upgrade requires HTTP/1.1 semantics which fail under HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// SurrealConfig holds SurrealDB connection configuration.
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"

	// CallTimeout bounds individual store calls. Zero means DefaultTimeout.
	CallTimeout time.Duration
}

// SurrealStore implements Store on a SurrealDB `kv` table. Entries carry an
// optional expiry; expired records are treated as absent on read and lazily
// deleted. SetNX runs as a single transaction, which makes it usable as the
// advisory lock primitive.
type SurrealStore struct {
	conn    *rews.Connection[*gorillaws.Connection]
	db      *surrealdb.DB
	cfg     SurrealConfig
	logger  logger.Logger
	timeout time.Duration
}

// kvSchema defines the key/value table. SCHEMALESS keeps the contract narrow;
// only value and expires_at are ever written.
const kvSchema = `
DEFINE TABLE IF NOT EXISTS kv SCHEMALESS;
DEFINE FIELD IF NOT EXISTS value ON kv TYPE string;
DEFINE FIELD IF NOT EXISTS expires_at ON kv TYPE option<datetime>;
`

// NewSurrealStore connects to SurrealDB with an auto-reconnecting WebSocket
// and prepares the kv table.
func NewSurrealStore(ctx context.Context, cfg SurrealConfig, log *slog.Logger) (*SurrealStore, error) {
	var sdkLogger logger.Logger
	if log != nil {
		sdkLogger = logger.New(log.Handler())
	} else {
		sdkLogger = logger.New(slog.Default().Handler())
	}

	// surrealcbor handles SurrealDB custom tags (datetimes, record ids)
	codec := surrealcbor.New()

	// gorillaws requires the base URL without the /rpc suffix (it adds it)
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			ws := gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			})
			return ws, nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	sdkLogger.Info("connecting to SurrealDB", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, wrapUnavailable("connect", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, wrapUnavailable("from connection", err)
	}

	if cfg.AuthLevel == "database" {
		_, err = db.SignIn(ctx, surrealdb.Auth{
			Namespace: cfg.Namespace,
			Database:  cfg.Database,
			Username:  cfg.Username,
			Password:  cfg.Password,
		})
	} else {
		_, err = db.SignIn(ctx, surrealdb.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	if err != nil {
		_ = conn.Close(ctx)
		return nil, wrapUnavailable("signin", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, wrapUnavailable("use", err)
	}

	s := &SurrealStore{
		conn:    conn,
		db:      db,
		cfg:     cfg,
		logger:  sdkLogger,
		timeout: cfg.CallTimeout,
	}

	if _, err := surrealdb.Query[any](ctx, db, kvSchema, nil); err != nil {
		_ = conn.Close(ctx)
		return nil, wrapUnavailable("init schema", err)
	}

	sdkLogger.Info("SurrealDB coordination store ready")
	return s, nil
}

// Close closes the SurrealDB connection.
func (s *SurrealStore) Close(ctx context.Context) error {
	s.logger.Info("closing SurrealDB connection")
	return s.conn.Close(ctx)
}

type kvRecord struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Get implements Store.
func (s *SurrealStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	results, err := surrealdb.Query[[]kvRecord](ctx, s.db, `
		SELECT value, expires_at FROM type::record("kv", $id)
	`, map[string]any{"id": key})
	if err != nil {
		return "", false, wrapUnavailable("get", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return "", false, nil
	}

	rec := (*results)[0].Result[0]
	if rec.ExpiresAt != nil && !time.Now().Before(*rec.ExpiresAt) {
		// Lazy expiry; best effort, a failed delete just leaves the record
		// for the next reader.
		_, _ = surrealdb.Query[any](ctx, s.db, `DELETE type::record("kv", $id)`,
			map[string]any{"id": key})
		return "", false, nil
	}
	return rec.Value, true, nil
}

// Set implements Store.
func (s *SurrealStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	vars := map[string]any{"id": key, "value": value}
	sql := `UPSERT type::record("kv", $id) SET value = $value, expires_at = NONE`
	if ttl > 0 {
		vars["exp"] = time.Now().Add(ttl)
		sql = `UPSERT type::record("kv", $id) SET value = $value, expires_at = <datetime>$exp`
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return wrapUnavailable("set", err)
	}
	return nil
}

// SetNX implements Store. The check-and-create runs as one transaction so
// concurrent callers for the same key see exactly one winner.
func (s *SurrealStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	vars := map[string]any{"id": key, "value": value}
	expClause := "NONE"
	if ttl > 0 {
		vars["exp"] = time.Now().Add(ttl)
		expClause = "<datetime>$exp"
	}

	sql := fmt.Sprintf(`
		BEGIN TRANSACTION;
		LET $rec = (SELECT value, expires_at FROM ONLY type::record("kv", $id));
		IF $rec != NONE AND ($rec.expires_at = NONE OR $rec.expires_at > time::now()) {
			RETURN false;
		} ELSE {
			UPSERT type::record("kv", $id) SET value = $value, expires_at = %s;
			RETURN true;
		};
		COMMIT TRANSACTION;
	`, expClause)

	results, err := surrealdb.Query[bool](ctx, s.db, sql, vars)
	if err != nil {
		return false, wrapUnavailable("setnx", err)
	}
	if results == nil || len(*results) == 0 {
		return false, wrapUnavailable("setnx", fmt.Errorf("empty result"))
	}
	return (*results)[len(*results)-1].Result, nil
}

// Delete implements Store.
func (s *SurrealStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := surrealdb.Query[any](ctx, s.db, `DELETE type::record("kv", $id)`,
		map[string]any{"id": key}); err != nil {
		return wrapUnavailable("delete", err)
	}
	return nil
}

// Ping implements Store.
func (s *SurrealStore) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := surrealdb.Query[int](ctx, s.db, `RETURN 1`, nil); err != nil {
		return wrapUnavailable("ping", err)
	}
	return nil
}
