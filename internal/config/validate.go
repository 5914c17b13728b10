package config

import (
	"fmt"
	"strings"
)

// Validate performs business-rule validation on the loaded configuration.
// Load calls it automatically.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpen <= 0 {
		return fmt.Errorf("database.max_open must be > 0 (got %d)", c.Database.MaxOpen)
	}
	if c.Database.MaxIdle < 0 || c.Database.MaxIdle > c.Database.MaxOpen {
		return fmt.Errorf("database.max_idle must be within [0, %d] (got %d)", c.Database.MaxOpen, c.Database.MaxIdle)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0 (got %v)", c.Server.ShutdownTimeout)
	}

	if err := c.Workflow.validate(); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", c.Log.Format)
	}

	return nil
}

func (w *WorkflowConfig) validate() error {
	// Codes are PREFIX-NNNN, so more attempts than codes is meaningless.
	if w.CodeMaxAttempts <= 0 || w.CodeMaxAttempts > 10000 {
		return fmt.Errorf("code_max_attempts must be within [1, 10000] (got %d)", w.CodeMaxAttempts)
	}
	if w.TxRetries < 0 {
		return fmt.Errorf("tx_retries must be >= 0 (got %d)", w.TxRetries)
	}
	if w.BulkConcurrency <= 0 {
		return fmt.Errorf("bulk_concurrency must be > 0 (got %d)", w.BulkConcurrency)
	}
	if w.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency_ttl must be > 0 (got %v)", w.IdempotencyTTL)
	}
	if w.PublisherWorkers <= 0 {
		return fmt.Errorf("publisher_workers must be > 0 (got %d)", w.PublisherWorkers)
	}
	if w.PublisherQueue <= 0 {
		return fmt.Errorf("publisher_queue must be > 0 (got %d)", w.PublisherQueue)
	}
	return nil
}
