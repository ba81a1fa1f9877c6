package boltdb_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestBoltDB(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "BoltDB Ledger Suite")
}
