// Package assignment cuts the ordered leaves of the top-level tree into segments and
// assigns the segments to ranks.
//
// # Design Overview
//
// Assignment runs in three steps on every rank, using only the globally reduced
// per-leaf loads, so every rank computes the same result without communication:
//
//  1. Split cuts the leaves into OverDecomposition x RankCount contiguous segments of
//     roughly equal weight (cost for the work objective, count for the count objective).
//  2. Fold repeatedly pairs the heaviest remaining bucket with the lightest one until
//     exactly RankCount buckets remain; bucket i becomes rank i.
//  3. Evaluate sums count and work per rank and checks the per-rank entity ceiling.
//
// Segment leaf ranges never change during folding; only their rank does.
package assignment
