// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package winnow resolves the ConflictDetails a planner.Plan reports
// against a user-supplied preference table, producing a user-facing
// report. The selection is advisory only: the kernel overlay resolves its
// own precedence from lowerdir order, so Resolve never reorders anything
// the planner produced.
package winnow

import (
	"github.com/trangkyanh17/hybridmount/internal/config"
	"github.com/trangkyanh17/hybridmount/internal/planner"
)

// Resolution is the outcome of winnowing one ConflictDetail: which module
// was selected, and whether that choice came from the user's table
// (IsForced) or fell back to "latest wins".
type Resolution struct {
	Partition  string
	RelPath    string
	Contenders []string
	Selected   string
	IsForced   bool
}

// Resolve looks up "/<partition>/<relpath>" in table for each conflict; if
// present and the preferred module is among the contenders, it is
// selected and IsForced is true. Otherwise the last contender (latest wins)
// is selected and IsForced is false.
func Resolve(conflicts []planner.ConflictDetail, table config.WinnowingTable) []Resolution {
	out := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		r := Resolution{Partition: c.Partition, RelPath: c.RelPath, Contenders: c.Contenders}

		absPath := "/" + c.Partition + "/" + c.RelPath
		if preferred, ok := table.PreferredModule(absPath); ok && contains(c.Contenders, preferred) {
			r.Selected = preferred
			r.IsForced = true
		} else {
			r.Selected = c.Contenders[len(c.Contenders)-1]
			r.IsForced = false
		}
		out = append(out, r)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
