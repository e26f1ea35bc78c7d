// ABOUTME: Reconciliation strategies for reconnecting clients.
// ABOUTME: Server-wins and latest-timestamp-wins are both explicit and testable.

package state

// Reconciler decides which document survives when a reconnecting client
// presents a local copy that diverged from the server during a disconnect
// window. Deployments disagree on the right policy, so both are first-class
// strategies and config picks one.
type Reconciler interface {
	// Reconcile returns the winning document. Implementations must not
	// mutate either input.
	Reconcile(server, client *DashboardState) *DashboardState
}

// ServerWins always keeps the server document. Client divergence is dropped;
// the client repaints from the authoritative snapshot.
type ServerWins struct{}

// Reconcile implements Reconciler.
func (ServerWins) Reconcile(server, _ *DashboardState) *DashboardState {
	return server
}

// LatestTimestampWins keeps whichever document mutated most recently. Ties
// go to the server.
type LatestTimestampWins struct{}

// Reconcile implements Reconciler.
func (LatestTimestampWins) Reconcile(server, client *DashboardState) *DashboardState {
	if client == nil {
		return server
	}
	if client.Timestamp.After(server.Timestamp) {
		return client
	}
	return server
}

// ReconcilerByName resolves a config string to a strategy; unknown names
// fall back to server-wins, the conservative default.
func ReconcilerByName(name string) Reconciler {
	switch name {
	case "latest_timestamp_wins":
		return LatestTimestampWins{}
	default:
		return ServerWins{}
	}
}
