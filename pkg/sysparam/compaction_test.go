package sysparam

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/KevoDB/sysparam/pkg/flash"
)

func TestCompactReclaimsSpace(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, newTestDevice(t), 1)

	want := map[string]string{}
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key%d", i)
		want[key] = fmt.Sprintf("value-%d", i)
		if err := s.SetString(ctx, key, want[key]); err != nil {
			t.Fatalf("SetString failed: %v", err)
		}
	}
	for i := 0; i < 10; i += 2 {
		key := fmt.Sprintf("key%d", i)
		want[key] = fmt.Sprintf("updated-%d", i)
		if err := s.SetString(ctx, key, want[key]); err != nil {
			t.Fatalf("SetString failed: %v", err)
		}
	}
	for _, key := range []string{"key1", "key5"} {
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		delete(want, key)
	}

	before := mustStatus(t, s)
	if before.Compactable == 0 {
		t.Fatal("Expected reclaimable entries before compaction")
	}

	if err := s.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	after := mustStatus(t, s)
	if after.Used >= before.Used {
		t.Errorf("Expected used space to shrink, got %d -> %d", before.Used, after.Used)
	}
	if after.Used != before.Used-before.Compactable {
		t.Errorf("Expected exactly the compactable bytes to be reclaimed, got %d -> %d (%d compactable)",
			before.Used, after.Used, before.Compactable)
	}
	if after.Compactable != 0 {
		t.Errorf("Expected nothing left to reclaim, got %d", after.Compactable)
	}
	if after.ActiveBase != before.StaleBase || after.StaleBase != before.ActiveBase {
		t.Errorf("Expected the regions to swap")
	}
	if after.Pairs != len(want) || after.MaxID != uint16(len(want)) {
		t.Errorf("Expected %d pairs numbered from 1, got %d pairs with max id %d", len(want), after.Pairs, after.MaxID)
	}
	if after.Generation == before.Generation {
		t.Error("Expected the generation to change")
	}

	for key, value := range want {
		got, err := s.GetString(ctx, key)
		if err != nil {
			t.Fatalf("GetString(%q) failed: %v", key, err)
		}
		if got != value {
			t.Errorf("GetString(%q) = %q, want %q", key, got, value)
		}
	}
	if _, err := s.GetString(ctx, "key1"); err == nil {
		t.Error("Expected deleted key to stay deleted")
	}

	if got := s.Stats().GetStats()["compaction_count"]; got != uint64(1) {
		t.Errorf("Expected compaction_count 1, got %v", got)
	}
}

func TestAutomaticCompaction(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, newTestDevice(t), 1)

	// Each update leaves a dead value behind; the region has to be
	// compacted several times over.
	for i := 0; i < 500; i++ {
		value := fmt.Sprintf("%064d", i)
		if err := s.SetString(ctx, "counter", value); err != nil {
			t.Fatalf("SetString #%d failed: %v", i, err)
		}
		if err := s.SetString(ctx, "fixed", "stays"); err != nil {
			t.Fatalf("SetString failed: %v", err)
		}
	}

	got, err := s.GetString(ctx, "counter")
	if err != nil {
		t.Fatalf("GetString failed: %v", err)
	}
	if got != fmt.Sprintf("%064d", 499) {
		t.Errorf("Unexpected final value %q", got)
	}
	if got, _ := s.GetString(ctx, "fixed"); got != "stays" {
		t.Errorf("Expected stays, got %q", got)
	}

	if n := s.Stats().GetStats()["compaction_count"].(uint64); n < 5 {
		t.Errorf("Expected several compactions, got %d", n)
	}
	if st := mustStatus(t, s); st.Pairs != 2 {
		t.Errorf("Expected 2 pairs, got %d", st.Pairs)
	}
}

func TestIdentifierBudget(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, newTestDevice(t), 1)
	s.idLimit = 16

	key := func(i int) string { return string(rune('a' + i)) }

	for i := 0; i < 16; i++ {
		if err := s.SetData(ctx, key(i), []byte{byte(i)}, true); err != nil {
			t.Fatalf("SetData(%q) failed: %v", key(i), err)
		}
	}
	if st := mustStatus(t, s); st.MaxID != 16 {
		t.Fatalf("Expected max id 16, got %d", st.MaxID)
	}

	for i := 0; i < 16; i += 2 {
		if err := s.Delete(ctx, key(i)); err != nil {
			t.Fatalf("Delete(%q) failed: %v", key(i), err)
		}
	}

	// The budget is spent but half of it is dead; renumbering frees it
	if err := s.SetData(ctx, key(16), []byte{16}, true); err != nil {
		t.Fatalf("SetData after exhaustion failed: %v", err)
	}
	if st := mustStatus(t, s); st.MaxID != 9 || st.Pairs != 9 {
		t.Errorf("Expected 9 pairs with max id 9 after renumbering, got %d pairs, max id %d", st.Pairs, st.MaxID)
	}
	if got := s.Stats().GetStats()["compaction_count"]; got != uint64(1) {
		t.Errorf("Expected exactly one compaction, got %v", got)
	}

	for i := 17; i < 24; i++ {
		if err := s.SetData(ctx, key(i), []byte{byte(i)}, true); err != nil {
			t.Fatalf("SetData(%q) failed: %v", key(i), err)
		}
	}

	// Every id now belongs to a live pair
	if err := s.SetData(ctx, key(24), []byte{24}, true); !errors.Is(err, ErrFull) {
		t.Fatalf("Expected ErrFull once every id is in use, got: %v", err)
	}

	for i := 1; i < 24; i++ {
		if i < 16 && i%2 == 0 {
			continue
		}
		value, _, err := s.GetData(ctx, key(i))
		if err != nil {
			t.Fatalf("GetData(%q) failed: %v", key(i), err)
		}
		if value[0] != byte(i) {
			t.Errorf("GetData(%q) = %x, want %x", key(i), value[0], byte(i))
		}
	}
	if _, _, err := s.GetData(ctx, key(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected deleted key to stay gone, got: %v", err)
	}
}

func TestIdentifierExhaustion(t *testing.T) {
	if testing.Short() {
		t.Skip("fills the whole identifier space")
	}
	ctx := context.Background()

	// 4094 pairs of 16 bytes each need 17 blocks per region
	dev, err := flash.NewMemDevice(256*1024, testBlockSize)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	s := New(dev, quiet())
	if err := s.CreateArea(ctx, 0, 17, false); err != nil {
		t.Fatalf("CreateArea failed: %v", err)
	}
	if err := s.Init(ctx, 0, dev.Size()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for i := 0; i < MaxID; i++ {
		if err := s.SetData(ctx, fmt.Sprintf("%x", i), []byte{byte(i)}, true); err != nil {
			t.Fatalf("SetData #%d failed: %v", i, err)
		}
	}

	st := mustStatus(t, s)
	if st.MaxID != MaxID {
		t.Fatalf("Expected max id %d, got %d", MaxID, st.MaxID)
	}

	for i := 0; i < MaxID; i += 2 {
		if err := s.Delete(ctx, fmt.Sprintf("%x", i)); err != nil {
			t.Fatalf("Delete #%d failed: %v", i, err)
		}
	}

	// No identifier is left; the insert has to renumber first
	if err := s.SetString(ctx, "new", "key"); err != nil {
		t.Fatalf("SetString after exhaustion failed: %v", err)
	}

	st = mustStatus(t, s)
	if st.MaxID != MaxID/2+1 {
		t.Errorf("Expected max id %d after renumbering, got %d", MaxID/2+1, st.MaxID)
	}
	if got := s.Stats().GetStats()["compaction_count"]; got != uint64(1) {
		t.Errorf("Expected exactly one compaction, got %v", got)
	}

	if v, err := s.GetString(ctx, "new"); err != nil || v != "key" {
		t.Errorf("Expected key, got %q, %v", v, err)
	}
	for i := 1; i < MaxID; i += 97 {
		key := fmt.Sprintf("%x", i)
		if i%2 == 0 {
			continue
		}
		value, _, err := s.GetData(ctx, key)
		if err != nil {
			t.Fatalf("GetData(%q) failed: %v", key, err)
		}
		if value[0] != byte(i) {
			t.Errorf("GetData(%q) = %x, want %x", key, value[0], byte(i))
		}
	}
}

func TestIdentifierSpaceFull(t *testing.T) {
	if testing.Short() {
		t.Skip("fills the whole identifier space")
	}
	ctx := context.Background()

	dev, err := flash.NewMemDevice(256*1024, testBlockSize)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	s := New(dev, quiet())
	if err := s.CreateArea(ctx, 0, 17, false); err != nil {
		t.Fatalf("CreateArea failed: %v", err)
	}
	if err := s.Init(ctx, 0, dev.Size()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	for i := 0; i < MaxID; i++ {
		if err := s.SetData(ctx, fmt.Sprintf("%x", i), []byte{byte(i)}, true); err != nil {
			t.Fatalf("SetData #%d failed: %v", i, err)
		}
	}

	// Every id is taken by a live pair, so renumbering cannot help
	err = s.SetString(ctx, "one-too-many", "x")
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Expected ErrFull once every id is in use, got: %v", err)
	}
	if v, _, err := s.GetData(ctx, "ffd"); err != nil || v[0] != 0xfd {
		t.Errorf("Existing pairs must survive, got %x, %v", v, err)
	}
}
