// Package testutils holds helpers shared by the store and server tests.
//
// Key components:
//   - RunStoreTests: behavior every maildrop store backend must show
//   - FileBodyStore: an on-disk stand-in for S3 body storage
//   - LoadTestDatabaseConfig: Postgres settings from config-test.toml
//
// Example usage:
//
//	func TestStoreContract(t *testing.T) {
//		testutils.RunStoreTests(t, func(t *testing.T) testutils.Store {
//			return memstore.New()
//		})
//	}
package testutils
