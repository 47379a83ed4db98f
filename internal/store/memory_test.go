package store_test

import (
	"testing"

	"github.com/fyrsmithlabs/autodeploy/internal/store"
	"github.com/fyrsmithlabs/autodeploy/internal/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestMemory_SharedContract(t *testing.T) {
	storetest.RunShared(t, func(t *testing.T) (store.Store, store.Store) {
		s := store.NewMemory()
		return s, s
	})
}
