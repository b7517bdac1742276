package database

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beamer/agent/internal/config"
	"beamer/agent/internal/models"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{
		Host: "db", Port: 5432, User: "agent", Password: "secret", DBName: "journal", SSLMode: "disable",
	})
	assert.Equal(t, "host=db port=5432 user=agent password=secret dbname=journal sslmode=disable", dsn)
}

// testDB connects to the database named by AGENT_TEST_DB_HOST and friends,
// skipping the test when unset.
func testDB(t *testing.T) *DB {
	t.Helper()
	host := os.Getenv("AGENT_TEST_DB_HOST")
	if host == "" {
		t.Skip("AGENT_TEST_DB_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("AGENT_TEST_DB_PORT"))
	if port == 0 {
		port = 5432
	}

	ctx := context.Background()
	db, err := Connect(ctx, config.DatabaseConfig{
		Host:     host,
		Port:     port,
		User:     os.Getenv("AGENT_TEST_DB_USER"),
		Password: os.Getenv("AGENT_TEST_DB_PASSWORD"),
		DBName:   os.Getenv("AGENT_TEST_DB_NAME"),
		SSLMode:  "disable",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, RunMigrations(ctx, db))
	return db
}

func TestRecordTransaction(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	requestID := "0x" + strconv.FormatInt(time.Now().UnixNano(), 16)
	hash := "0xf111"
	claimID := int64(7)
	msg := "Claim already withdrawn"

	fill := &models.Transaction{
		ChainID: 10, TxHash: &hash, Kind: models.TxKindFill, RequestID: &requestID,
		Outcome: models.TxOutcomeMined, CreatedAt: time.Now().UTC(),
	}
	withdraw := &models.Transaction{
		ChainID: 10, Kind: models.TxKindWithdraw, RequestID: &requestID, ClaimID: &claimID,
		Outcome: models.TxOutcomeReverted, Error: &msg, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.RecordTransaction(ctx, fill))
	require.NoError(t, db.RecordTransaction(ctx, withdraw))
	assert.NotZero(t, fill.ID)
	assert.Greater(t, withdraw.ID, fill.ID)

	txs, err := db.TransactionsByRequest(ctx, requestID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TxKindFill, txs[0].Kind)
	assert.Nil(t, txs[1].TxHash)
	assert.Equal(t, msg, *txs[1].Error)
}
