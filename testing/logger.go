package testing

import (
	"testing"

	"github.com/arloliu/decomp/internal/logging"
	"github.com/arloliu/decomp/types"
)

// NewTestLogger creates a logger that writes to the test log.
// This is useful for seeing log output during test runs.
func NewTestLogger(t testing.TB) types.Logger {
	return logging.NewTest(t)
}

// NewRankLogger creates a test logger that tags every record with rank.
func NewRankLogger(t testing.TB, rank int) types.Logger {
	return logging.WithRank(logging.NewTest(t), rank)
}
