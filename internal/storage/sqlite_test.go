package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()

	// Two tables to simulate reservation and transaction writes landing
	// concurrently on the same connection.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_reservations (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_reservations table: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_transactions (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_transactions table: %v", err)
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine*2)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_reservations"
			if id%2 == 1 {
				table = "test_transactions"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	var resCount, txCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_reservations").Scan(&resCount); err != nil {
		t.Fatalf("failed to count reservation rows: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM test_transactions").Scan(&txCount); err != nil {
		t.Fatalf("failed to count transaction rows: %v", err)
	}

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	if resCount != expectedPerTable {
		t.Errorf("test_reservations: got %d rows, want %d", resCount, expectedPerTable)
	}
	if txCount != expectedPerTable {
		t.Errorf("test_transactions: got %d rows, want %d", txCount, expectedPerTable)
	}
}
