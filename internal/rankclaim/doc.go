// Package rankclaim assigns ranks to processes that join a NATS-connected world
// without being told their rank.
//
// Every process races to create the key "rank-<n>" in a shared JetStream KeyValue
// bucket, trying n = 0, 1, ... in order. Create is atomic, so each rank is held by
// exactly one process. Claims are leases: the holder refreshes its key at a third of
// the bucket TTL and deletes it on Release, and a crashed holder's rank frees up once
// the TTL expires.
package rankclaim
