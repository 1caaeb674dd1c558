// Copyright 2022 The ChromiumOS Authors.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package winnow

import (
	"testing"

	"github.com/trangkyanh17/hybridmount/internal/config"
	"github.com/trangkyanh17/hybridmount/internal/planner"
)

func TestResolvePreferredModule(t *testing.T) {
	conflicts := []planner.ConflictDetail{
		{Partition: "system", RelPath: "etc/hosts", Contenders: []string{"A", "B"}},
	}
	table := config.WinnowingTable{}
	table.SetRule("/system/etc/hosts", "B")

	got := Resolve(conflicts, table)
	if len(got) != 1 {
		t.Fatalf("got %d resolutions, want 1", len(got))
	}
	if got[0].Selected != "B" || !got[0].IsForced {
		t.Errorf("got %+v, want Selected=B IsForced=true", got[0])
	}
}

func TestResolveFallsBackToLatestWins(t *testing.T) {
	conflicts := []planner.ConflictDetail{
		{Partition: "system", RelPath: "etc/hosts", Contenders: []string{"A", "B"}},
	}
	got := Resolve(conflicts, config.WinnowingTable{})
	if got[0].Selected != "B" || got[0].IsForced {
		t.Errorf("got %+v, want Selected=B IsForced=false", got[0])
	}
}

func TestResolveIgnoresPreferenceForNonContender(t *testing.T) {
	conflicts := []planner.ConflictDetail{
		{Partition: "system", RelPath: "etc/hosts", Contenders: []string{"A", "B"}},
	}
	table := config.WinnowingTable{}
	table.SetRule("/system/etc/hosts", "Z")

	got := Resolve(conflicts, table)
	if got[0].Selected != "B" || got[0].IsForced {
		t.Errorf("preference for a non-contender should fall back to latest-wins, got %+v", got[0])
	}
}
