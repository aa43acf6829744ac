// Package exchange moves entity records between ranks so that every entity ends up
// on the rank its destination function names.
//
// # Round Protocol
//
// Migration runs in rounds until no rank holds an entity destined elsewhere:
//
//  1. Each rank flags as many outgoing entities as its free arena bytes allow and
//     counts them per destination and category (all, gas, sink).
//  2. The counts, the current store sizes and the ceilings are gathered on every rank
//     into a Matrix.
//  3. Negotiate revokes transfers that would overfill a receiver. It is a pure function
//     of the Matrix, so every rank computes the same revision without messages.
//  4. Flagged entities are packed into per-destination buffers and removed locally by
//     swap-with-last. Extension records travel in separate buffers at positions that
//     match the handles of their owners.
//  5. Three all-to-all-v calls move the buffers; receivers append the records and
//     rewrite handles, then check their ceilings.
//
// A round that moves nothing while exports are pending is fatal.
package exchange
