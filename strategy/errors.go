package strategy

import "errors"

// ErrNoRanks indicates that a layout was requested for zero ranks.
var ErrNoRanks = errors.New("no ranks available for layout")

// ErrNoGroupFunc indicates that a grouping layout was created without a group function.
var ErrNoGroupFunc = errors.New("group function is required")
