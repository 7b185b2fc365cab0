package metricsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cdiperi/datacompass/internal/dq"
)

// SQLSource samples metric values from configured customer databases.
// Connectors are opened lazily per connection ref and reused across runs.
type SQLSource struct {
	mu         sync.Mutex
	configs    map[string]ConnectionConfig
	connectors map[string]Connector
	logger     *slog.Logger
}

func NewSQLSource(configs map[string]ConnectionConfig, logger *slog.Logger) *SQLSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLSource{
		configs:    configs,
		connectors: make(map[string]Connector),
		logger:     logger,
	}
}

func (s *SQLSource) Sample(ctx context.Context, exp dq.Expectation, period string) (float64, bool, error) {
	start, end, err := dq.PeriodWindow(exp.Grain, period)
	if err != nil {
		return 0, false, err
	}
	conn, err := s.connectorFor(exp.Source.ConnectionRef)
	if err != nil {
		return 0, false, err
	}
	return conn.LatestValue(ctx, Query{
		Table:           exp.Source.Table,
		ValueColumn:     exp.Source.ValueColumn,
		TimestampColumn: exp.Source.TimestampColumn,
		Start:           start,
		End:             end,
	})
}

func (s *SQLSource) connectorFor(ref string) (Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.connectors[ref]; ok {
		return conn, nil
	}
	cfg, ok := s.configs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown connection ref %q", ref)
	}
	conn, err := Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open connection %q: %w", ref, err)
	}
	s.logger.Info("opened metric source connection", "ref", ref, "type", cfg.Type)
	s.connectors[ref] = conn
	return conn, nil
}

// Close releases every opened connector.
func (s *SQLSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, conn := range s.connectors {
		if err := conn.Close(); err != nil {
			s.logger.Warn("closing metric source connection", "ref", ref, "error", err)
		}
		delete(s.connectors, ref)
	}
}
