// Package strategy provides destination layouts for entity exchange.
//
// A layout maps every entity to a rank and is passed to Decomposer.Exchange to gather
// entities by something other than spatial position. The package includes three
// layouts:
//
//   - RoundRobin: Spreads entities by ID, ignoring position
//   - ConsistentHash: Gathers entities sharing a group key on one rank; a group keeps
//     its rank across rank-count changes except on the affected ring arcs
//   - WeightedGroups: ConsistentHash with known group weights, capping each rank's
//     share of the total weight
//
// Every layout is a pure function of the entity, so all ranks evaluate it identically.
package strategy
