package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"queryinsight/internal/cache"
	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
	"queryinsight/internal/target"
)

var validate = validator.New()

// ConnectRequest describes a target to put under observation.
type ConnectRequest struct {
	OwnerID      string `json:"owner_id" validate:"max=128"`
	Name         string `json:"name" validate:"max=128"`
	Host         string `json:"host" validate:"required,max=255"`
	Port         int    `json:"port" validate:"omitempty,min=1,max=65535"`
	DatabaseName string `json:"database_name" validate:"required,max=128"`
	Username     string `json:"username" validate:"required,max=128"`
	Password     string `json:"password"`
	SSLMode      string `json:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

// ConnectResult is a persisted target plus the outcome of its first probe.
type ConnectResult struct {
	Target   *db.MonitoredTarget
	ProbeErr error
}

// Connect validates and stores a new target with its password encrypted,
// then probes it. The target is kept even when the probe fails; it simply
// stays out of scheduled collection until a later probe succeeds.
func (p *Pipeline) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	enc, err := p.codec.Encrypt(req.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	if req.Port == 0 {
		req.Port = 5432
	}
	if req.SSLMode == "" {
		req.SSLMode = "prefer"
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.DatabaseName + "@" + req.Host
	}

	t := &db.MonitoredTarget{
		OwnerID:           req.OwnerID,
		Name:              name,
		Host:              req.Host,
		Port:              req.Port,
		DatabaseName:      req.DatabaseName,
		Username:          req.Username,
		SSLMode:           req.SSLMode,
		EncryptedPassword: enc,
	}
	if err := p.store.CreateTarget(ctx, t); err != nil {
		return nil, pipeerr.NewPersistenceError("monitored_target", req.Host, err)
	}
	return &ConnectResult{Target: t, ProbeErr: p.Probe(ctx, t)}, nil
}

// Probe checks that the target exposes pg_stat_statements and records the
// answer in MonitoringEnabled. When the target cannot be reached the flag is
// left as it was.
func (p *Pipeline) Probe(ctx context.Context, t *db.MonitoredTarget) error {
	err := target.With(ctx, p.opener, t, func(c *target.Conn) error {
		return c.Probe(ctx)
	})
	var enabled bool
	switch {
	case err == nil:
		enabled = true
	case errors.Is(err, pipeerr.ErrExtensionMissing):
		enabled = false
	default:
		p.log.Warn("probe failed", zap.Uint("target_id", t.ID), zap.Error(err))
		return err
	}

	if t.MonitoringEnabled != enabled {
		if serr := p.store.SetMonitoringEnabled(ctx, t.ID, enabled); serr != nil {
			return serr
		}
		t.MonitoringEnabled = enabled
	}
	p.log.Info("probe finished", zap.Uint("target_id", t.ID), zap.Bool("monitoring_enabled", enabled))
	return err
}

// SetAlerts opts a statement of a target in or out of critical-time
// alerting. Enabling a statement never seen before creates its record.
func (p *Pipeline) SetAlerts(ctx context.Context, targetID uint, queryText string, enabled bool) (*db.QueryRecord, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, errors.New("query text is required")
	}
	if _, err := p.store.GetTarget(ctx, targetID); err != nil {
		return nil, err
	}
	rec, err := p.store.SetAlertsEnabled(ctx, targetID, queryText, enabled)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		p.cache.Invalidate(ctx, targetID)
	}
	return rec, nil
}

// Context returns the cached database context of a target, rebuilding it
// when absent.
func (p *Pipeline) Context(ctx context.Context, targetID uint) (*cache.Entry, error) {
	if _, err := p.store.GetTarget(ctx, targetID); err != nil {
		return nil, err
	}
	return p.cache.Load(ctx, targetID)
}

// Store exposes the persistent store to read-only callers.
func (p *Pipeline) Store() *db.Store { return p.store }
