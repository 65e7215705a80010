package memstore_test

import (
	"testing"

	"github.com/migadu/maildrop/memstore"
	"github.com/migadu/maildrop/testutils"
)

func TestStoreContract(t *testing.T) {
	testutils.RunStoreTests(t, func(t *testing.T) testutils.Store {
		return memstore.New()
	})
}
