package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SaveVerification demonstrates recording a verification and reading it back.
func ExampleSQLiteStore_SaveVerification() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	v := &stores.Verification{
		ID:        "9f1c",
		Workflow:  "checkout",
		Kind:      "microservice",
		Verdict:   engine.VerdictSuccess,
		Ticks:     4,
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Elapsed:   6 * time.Second,
		Policy:    engine.DefaultPollingPolicy(),
		Observations: []stores.Observation{
			{ResourceID: "proxy", Kind: "proxy", Status: engine.StatusSuccess},
		},
	}
	if err := store.SaveVerification(ctx, v); err != nil {
		log.Fatal(err)
	}

	got, err := store.GetVerification(ctx, "9f1c")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(got.Workflow, got.Verdict, got.Elapsed, len(got.Observations))
	// Output: checkout success 6s 1
}
