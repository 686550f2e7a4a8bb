package neo4j

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/emergency-agent/backend/internal/kg"
	"github.com/emergency-agent/backend/internal/metrics"
	"github.com/emergency-agent/backend/internal/models"
	"github.com/emergency-agent/backend/pkg/circuitbreaker"
	"github.com/emergency-agent/backend/pkg/config"
	"github.com/emergency-agent/backend/pkg/logger"
	"github.com/emergency-agent/backend/pkg/retry"
)

type Client struct {
	driver       neo4j.DriverWithContext
	database     string
	cb           *circuitbreaker.CircuitBreaker
	retryConfig  retry.Config
	readTimeout  time.Duration
	writeTimeout time.Duration
}

var _ kg.Store = (*Client)(nil)

func NewClient(cfg config.Neo4jConfig, timeouts config.TimeoutConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			if cfg.MaxPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.MaxPoolSize
			}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.GraphReadTimeout())
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxProbes:        3,
		Cooldown:         20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isInfraFailure,
		OnStateChange:    metrics.RecordBreakerTransition,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        neo4j.IsRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))

	return &Client{
		driver:       driver,
		database:     cfg.Database,
		cb:           cb,
		retryConfig:  retryConfig,
		readTimeout:  timeouts.GraphReadTimeout(),
		writeTimeout: timeouts.GraphWriteTimeout(),
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints and lookup indexes. Failures
// are logged and skipped so a read-only user can still serve queries.
func (c *Client) EnsureSchema(ctx context.Context) {
	stmts := []string{
		`CREATE CONSTRAINT historical_case_id_unique IF NOT EXISTS FOR (c:HistoricalCase) REQUIRE c.case_id IS UNIQUE`,
		`CREATE CONSTRAINT disaster_id_unique IF NOT EXISTS FOR (d:Disaster) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT equipment_id_unique IF NOT EXISTS FOR (e:Equipment) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT location_id_unique IF NOT EXISTS FOR (l:Location) REQUIRE l.id IS UNIQUE`,
		`CREATE CONSTRAINT unit_id_unique IF NOT EXISTS FOR (u:Unit) REQUIRE u.id IS UNIQUE`,
		`CREATE INDEX disaster_name IF NOT EXISTS FOR (d:Disaster) ON (d.name)`,
		`CREATE INDEX equipment_name IF NOT EXISTS FOR (e:Equipment) ON (e.name)`,
		`CREATE INDEX historical_case_disaster IF NOT EXISTS FOR (c:HistoricalCase) ON (c.disaster_type)`,
	}

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: c.database})
	defer session.Close(ctx)

	for _, q := range stmts {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			logger.Warn("Neo4j schema init failed (continuing)", zap.String("statement", q), zap.Error(err))
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

// executeRead runs a read transaction behind the circuit breaker with retry.
func (c *Client) executeRead(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	var out any
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: c.database})
			defer session.Close(ctx)

			res, err := session.ExecuteRead(ctx, work)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	})
	return out, err
}

// executeWrite runs exactly one write transaction. The driver may replay the
// transaction function on transient cluster errors; the application does not.
func (c *Client) executeWrite(ctx context.Context, work neo4j.ManagedTransactionWork) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: c.database})
		defer session.Close(ctx)

		_, err := session.ExecuteWrite(ctx, work)
		return err
	})
}

// isInfraFailure keeps data errors (unknown equipment, invalid case) from
// tripping the breaker.
func isInfraFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, models.ErrInvalidCase) || errors.Is(err, errMissingNodes) {
		return false
	}
	return true
}
