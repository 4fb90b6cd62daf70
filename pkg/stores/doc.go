// Package stores persists verification history.
//
// The SQLite store keeps one row per verification with the final observation
// of every resource, a summary of each polling tick, and the policy
// violations recorded against it. The database runs in WAL mode with foreign
// keys enabled, and schema changes are applied with embedded golang-migrate
// migrations.
//
// Recorder plugs the store into the poller as an engine.Observer:
//
//	store, err := stores.Open(ctx, "converge.db")
//	recorder := stores.NewRecorder(store, logger, stores.WithSource("http"))
//	poller := engine.NewPoller(sampler, engine.WithObserver(recorder))
package stores
