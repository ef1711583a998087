package coordinator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	crawler "github.com/andrewkchan/crawler"
	"github.com/andrewkchan/crawler/fabric"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *fabric.PodStore, string) {
	t.Helper()
	crawler.SetDefaultConfig()
	t.Cleanup(crawler.SetDefaultConfig)
	// Test-sized filter; the default is sized for billions.
	crawler.Config.Coordinator.SeenCapacity = 100000

	kvPath := filepath.Join(t.TempDir(), "pod0", "kv.db")
	store, err := fabric.OpenPodStore(kvPath)
	if err != nil {
		t.Fatalf("OpenPodStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c, err := New(store, kvPath)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, store, kvPath
}

func TestSeenSetTestAndAdd(t *testing.T) {
	seen := NewSeenSet(1000, 0.001)
	if seen.TestAndAdd(12345) {
		t.Error("fresh fingerprint reported as present")
	}
	if !seen.TestAndAdd(12345) {
		t.Error("inserted fingerprint reported as new")
	}
	if seen.Test(99999) {
		t.Error("unrelated fingerprint reported as present")
	}
}

func TestSeenSetSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints", "seen.bloom")
	seen := NewSeenSet(1000, 0.001)
	for fp := uint64(1); fp <= 100; fp++ {
		seen.TestAndAdd(fp)
	}
	if err := seen.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored, err := LoadSeenSet(path)
	if err != nil {
		t.Fatalf("LoadSeenSet failed: %v", err)
	}
	for fp := uint64(1); fp <= 100; fp++ {
		if !restored.Test(fp) {
			t.Fatalf("fingerprint %d lost across save/load", fp)
		}
	}
}

func TestCountersSurviveRestart(t *testing.T) {
	c, store, kvPath := newTestCoordinator(t)

	for i := 0; i < 5; i++ {
		c.RecordPage(1000)
	}
	if c.PagesCrawled() != 5 || c.BytesFetched() != 5000 {
		t.Fatalf("counters = %d pages / %d bytes", c.PagesCrawled(), c.BytesFetched())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c2, err := New(store, kvPath)
	if err != nil {
		t.Fatalf("restart New failed: %v", err)
	}
	if c2.PagesCrawled() != 5 || c2.BytesFetched() != 5000 {
		t.Errorf("restored counters = %d pages / %d bytes, expected 5/5000",
			c2.PagesCrawled(), c2.BytesFetched())
	}
}

func TestStopFlagPersistsAndFirstReasonWins(t *testing.T) {
	c, store, kvPath := newTestCoordinator(t)

	if c.Stopped() {
		t.Fatal("fresh coordinator already stopped")
	}
	c.Stop("max pages reached (100)")
	c.Stop("second reason")
	if !c.Stopped() {
		t.Fatal("stop flag not raised")
	}
	if c.StopReason() != "max pages reached (100)" {
		t.Errorf("reason = %q, first reason should win", c.StopReason())
	}

	// A restarted coordinator sees the flag without any checkpoint call.
	c2, err := New(store, kvPath)
	if err != nil {
		t.Fatalf("restart New failed: %v", err)
	}
	if !c2.Stopped() || c2.StopReason() != "max pages reached (100)" {
		t.Errorf("stop flag lost across restart: stopped=%v reason=%q",
			c2.Stopped(), c2.StopReason())
	}
}

func TestSeenSurvivesRestart(t *testing.T) {
	c, store, kvPath := newTestCoordinator(t)

	c.Seen().TestAndAdd(777)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c2, err := New(store, kvPath)
	if err != nil {
		t.Fatalf("restart New failed: %v", err)
	}
	if !c2.Seen().Test(777) {
		t.Error("seen-set checkpoint lost across restart")
	}
}

func TestIntervalPagesResetOnCheckpoint(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	for i := 0; i < 3; i++ {
		c.RecordPage(100)
	}
	if c.PagesInInterval() != 3 {
		t.Fatalf("PagesInInterval = %d, expected 3", c.PagesInInterval())
	}

	if err := c.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if c.PagesInInterval() != 0 {
		t.Errorf("interval counter not reset by checkpoint: %d", c.PagesInInterval())
	}
	if c.PagesCrawled() != 3 {
		t.Errorf("monotonic counter disturbed by reset: %d", c.PagesCrawled())
	}
}

func TestSeenRestoredFlag(t *testing.T) {
	c, store, kvPath := newTestCoordinator(t)
	if c.SeenRestored() {
		t.Error("fresh coordinator claims a restored seen-set")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	c2, err := New(store, kvPath)
	if err != nil {
		t.Fatalf("restart New failed: %v", err)
	}
	if !c2.SeenRestored() {
		t.Error("checkpointed seen-set not reported as restored")
	}
}

func TestCorruptSeenCheckpointStartsEmpty(t *testing.T) {
	c, store, kvPath := newTestCoordinator(t)
	c.Seen().TestAndAdd(777)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	seenPath := filepath.Join(filepath.Dir(kvPath), "seen.bloom")
	if err := os.WriteFile(seenPath, []byte("not a filter"), 0644); err != nil {
		t.Fatalf("failed to corrupt checkpoint: %v", err)
	}

	c2, err := New(store, kvPath)
	if err != nil {
		t.Fatalf("New must recover from a corrupt checkpoint: %v", err)
	}
	// The flag tells the caller a rebuild from visited records is needed.
	if c2.SeenRestored() {
		t.Error("corrupt checkpoint reported as restored")
	}
}

func TestMaxPagesStopCriteria(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	c.Run(3, 0)
	defer c.Close()

	c.RecordPage(10)
	c.RecordPage(10)
	c.RecordPage(10)

	deadline := time.After(5 * time.Second)
	for !c.Stopped() {
		select {
		case <-deadline:
			t.Fatal("coordinator never stopped after reaching max pages")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if want := "max pages reached (3)"; c.StopReason() != want {
		t.Errorf("reason = %q, expected %q", c.StopReason(), want)
	}
}

func TestRebuildSeenFromVisited(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	crawler.Config.Fabric.Pods = []struct {
		KVPath string `yaml:"kv_path"`
	}{{KVPath: filepath.Join(t.TempDir(), "kv.db")}}

	f, err := fabric.Open()
	if err != nil {
		t.Fatalf("fabric.Open failed: %v", err)
	}
	defer f.Close()
	for fp := uint64(10); fp < 20; fp++ {
		if err := f.Pod(0).PutVisited(&crawler.VisitedRecord{Fingerprint: fp, URL: "u"}); err != nil {
			t.Fatalf("PutVisited failed: %v", err)
		}
	}

	if err := c.RebuildSeen(f); err != nil {
		t.Fatalf("RebuildSeen failed: %v", err)
	}
	for fp := uint64(10); fp < 20; fp++ {
		if !c.Seen().Test(fp) {
			t.Errorf("fingerprint %d missing after rebuild", fp)
		}
	}
}
