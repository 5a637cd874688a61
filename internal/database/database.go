package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	apperrors "qlab/internal/errors"
	"qlab/internal/logger"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	stats  *PoolStats
	log    logger.Logger
	mu     sync.RWMutex
	stop   chan struct{}
	once   sync.Once

	// Monitoring callback
	monitorCallback func(*PoolStats)
}

// Config represents database configuration
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	User            string        `yaml:"user" json:"user"`
	Password        string        `yaml:"password" json:"-"`
	DBName          string        `yaml:"dbname" json:"dbname"`
	SSLMode         string        `yaml:"sslmode" json:"sslmode"`
	MaxOpen         int           `yaml:"max_open" json:"max_open"`
	MaxIdle         int           `yaml:"max_idle" json:"max_idle"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" json:"migrate_on_start"`
}

// DSN renders the lib/pq connection string.
func (c *Config) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	LastUpdated        time.Time
}

// NewConnection opens a pool and pings it, retrying with an increasing delay.
func NewConnection(ctx context.Context, cfg *Config, log logger.Logger) (*DB, error) {
	log = logger.OrDefault(log)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeDBQuery, "failed to open database", err)
	}

	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 10 // 默认最大连接数
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 2 // 默认空闲连接数
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second // 默认连接超时
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 15 * time.Minute
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	var pingErr error
	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}

		log.Warn("Database ping failed", "attempt", i+1, "max_attempts", maxRetries, "error", pingErr)
		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, apperrors.NewAppError(apperrors.ErrCodeCancelled, "database connect cancelled", ctx.Err())
			case <-time.After(time.Second * time.Duration(i+1)): // 递增延迟
			}
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDBQuery,
			"failed to ping database", fmt.Sprintf("%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.DBName), pingErr)
	}

	log.Info("Database connection established",
		"host", cfg.Host,
		"dbname", cfg.DBName,
		"max_open", cfg.MaxOpen,
		"max_idle", cfg.MaxIdle)

	database := &DB{
		DB:     db,
		config: cfg,
		stats:  &PoolStats{},
		log:    log,
		stop:   make(chan struct{}),
	}
	go database.monitorPoolStats(30 * time.Second)
	return database, nil
}

// Close stops the stats loop, publishes a last snapshot and closes the pool.
func (db *DB) Close() error {
	db.stopMonitor()
	db.updatePoolStats()
	st := db.GetPoolStats()
	db.log.Info("Closing database pool",
		"open", st.OpenConnections,
		"in_use", st.InUse,
		"wait_count", st.WaitCount)
	return db.DB.Close()
}

func (db *DB) stopMonitor() {
	db.once.Do(func() { close(db.stop) })
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() PoolStats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return *db.stats
}

// SetMonitorCallback sets a callback function for monitoring
func (db *DB) SetMonitorCallback(callback func(*PoolStats)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.monitorCallback = callback
}

func (db *DB) monitorPoolStats(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			db.updatePoolStats()
		}
	}
}

func (db *DB) updatePoolStats() {
	stats := db.DB.Stats()

	db.mu.Lock()
	db.stats.MaxOpenConnections = stats.MaxOpenConnections
	db.stats.OpenConnections = stats.OpenConnections
	db.stats.InUse = stats.InUse
	db.stats.Idle = stats.Idle
	db.stats.WaitCount = stats.WaitCount
	db.stats.WaitDuration = stats.WaitDuration
	db.stats.LastUpdated = time.Now()
	callback := db.monitorCallback
	snapshot := *db.stats
	db.mu.Unlock()

	if callback != nil {
		callback(&snapshot)
	}
	if stats.WaitCount > 0 {
		db.log.Debug("Database connection pool under pressure",
			"wait_count", stats.WaitCount,
			"wait_duration", stats.WaitDuration.String(),
			"in_use", stats.InUse,
			"idle", stats.Idle)
	}
}
