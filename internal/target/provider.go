// Package target opens short-lived connections to monitored PostgreSQL
// databases and runs the statistics and catalog statements the pipeline
// needs against them.
package target

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
)

// Decrypter recovers a stored credential.
type Decrypter interface {
	Decrypt(encoded string) (string, error)
}

// Opener opens a connection to one monitored target.
type Opener interface {
	Open(ctx context.Context, t *db.MonitoredTarget) (*Conn, error)
}

// Provider decrypts target credentials and opens connections through pgx.
type Provider struct {
	codec          Decrypter
	connectTimeout time.Duration
	queryTimeout   time.Duration
}

func NewProvider(codec Decrypter, connectTimeout, queryTimeout time.Duration) *Provider {
	return &Provider{codec: codec, connectTimeout: connectTimeout, queryTimeout: queryTimeout}
}

// Open returns a pinged connection. Decryption and network failures are
// both reported as *errors.ConnectionError.
func (p *Provider) Open(ctx context.Context, t *db.MonitoredTarget) (*Conn, error) {
	password, err := p.codec.Decrypt(t.EncryptedPassword)
	if err != nil {
		return nil, pipeerr.NewConnectionError(t.ID, t.Host, fmt.Errorf("decrypt credential: %w", err))
	}

	cfg, err := pgx.ParseConfig(connString(t, password))
	if err != nil {
		return nil, pipeerr.NewConnectionError(t.ID, t.Host, err)
	}
	cfg.ConnectTimeout = p.connectTimeout

	sqlDB := stdlib.OpenDB(*cfg)
	// At most one connection per concurrent catalog statement of a table.
	sqlDB.SetMaxOpenConns(catalogStatements)
	sqlDB.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, pipeerr.NewConnectionError(t.ID, t.Host, err)
	}
	return NewConn(sqlDB, p.queryTimeout), nil
}

func connString(t *db.MonitoredTarget, password string) string {
	port := t.Port
	if port == 0 {
		port = 5432
	}
	sslMode := t.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(t.Username, password),
		Host:     net.JoinHostPort(t.Host, strconv.Itoa(port)),
		Path:     "/" + t.DatabaseName,
		RawQuery: url.Values{"sslmode": {sslMode}, "application_name": {"queryinsight"}}.Encode(),
	}
	return u.String()
}

// With opens a connection to t, runs fn and closes the connection on every
// exit path. Connections are never shared between polls.
func With(ctx context.Context, o Opener, t *db.MonitoredTarget, fn func(*Conn) error) error {
	conn, err := o.Open(ctx, t)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}
