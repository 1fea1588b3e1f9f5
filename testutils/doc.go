// Package testutils provides test doubles shared by the routing packages.
//
// Key components:
//   - FakePool / FakeConn: in-memory pools whose connections can be scripted
//     to fail, hang without honouring context, or panic
//   - FakeFactory: a backend.Factory whose per-name outcome can be changed
//     between recovery passes
//   - Recorder: a synchronous events.Publisher for asserting transitions
//   - SQLiteBackend / PostgresBackend: configurations for real pools
//
// Example usage:
//
//	import "github.com/migadu/dbrouter/testutils"
//
//	func TestFailover(t *testing.T) {
//		pool := testutils.NewFakePool(dialect.PostgreSQL)
//		pool.SetExecError(errors.New("connection refused"))
//		// register pool with an engine...
//	}
package testutils
