// Package testing provides test utilities for the decomp library.
//
// It follows Go's convention of providing testing utilities in a dedicated
// package (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS / Connect: in-process NATS server and per-rank connections
//   - RunWorld: runs one function per rank of an in-process world and joins them
//   - NewTestLogger / NewRankLogger: loggers writing to the test log
//
// Example usage:
//
//	import (
//	    "testing"
//	    decomptest "github.com/arloliu/decomp/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    err := decomptest.RunWorld(t, 4, func(ctx context.Context, c *comm.Comm) error {
//	        return c.Barrier(ctx)
//	    })
//	    require.NoError(t, err)
//	}
package testing
