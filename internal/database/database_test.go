package database

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qlab/internal/logger"
)

// openUnconnected builds a DB without pinging; lib/pq dials lazily.
func openUnconnected(t *testing.T, maxOpen int) *DB {
	t.Helper()
	cfg := &Config{Host: "127.0.0.1", Port: 1, User: "qlab", DBName: "qlab"}
	pool, err := sql.Open("postgres", cfg.DSN())
	require.NoError(t, err)
	pool.SetMaxOpenConns(maxOpen)
	return &DB{
		DB:     pool,
		config: cfg,
		stats:  &PoolStats{},
		log:    logger.Nop(),
		stop:   make(chan struct{}),
	}
}

func TestPoolStatsSnapshot(t *testing.T) {
	db := openUnconnected(t, 7)

	var published []PoolStats
	db.SetMonitorCallback(func(st *PoolStats) { published = append(published, *st) })

	assert.True(t, db.GetPoolStats().LastUpdated.IsZero())
	db.updatePoolStats()

	st := db.GetPoolStats()
	assert.Equal(t, 7, st.MaxOpenConnections)
	assert.Equal(t, 0, st.InUse)
	assert.False(t, st.LastUpdated.IsZero())
	require.Len(t, published, 1)
	assert.Equal(t, st, published[0])

	// Close publishes a final snapshot
	require.NoError(t, db.Close())
	assert.Len(t, published, 2)
}
