// Package materialize turns TokenizedExamples into the padded records a
// training collator consumes.
package materialize

import (
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/types"
)

// Materialize builds the attention mask and right-pads to padTo. Examples
// already at or above padTo are left as they are; a padTo of zero disables
// padding.
func Materialize(ex types.TokenizedExample, padTo, padID int) types.MaterializedExample {
	n := ex.Len()
	size := n
	if padTo > n {
		size = padTo
	}

	out := types.MaterializedExample{
		InputIDs:      make([]int, size),
		Labels:        make([]int, size),
		AttentionMask: make([]int, size),
	}
	copy(out.InputIDs, ex.InputIDs)
	copy(out.Labels, ex.Labels)
	for i := 0; i < size; i++ {
		if i < n {
			out.AttentionMask[i] = 1
			continue
		}
		out.InputIDs[i] = padID
		out.Labels[i] = types.IgnoreIndex
	}
	return out
}

// For stamps the provenance of a record onto a materialized example
func For(raw types.RawRecord, ex types.TokenizedExample, padTo, padID int) types.MaterializedExample {
	m := Materialize(ex, padTo, padID)
	m.Dataset = raw.Dataset
	m.Index = raw.Index
	return m
}
