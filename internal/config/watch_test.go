package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	calibration "metrology-cloud/internal/calibration/domain"
)

func TestStore_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	if err := os.WriteFile(path, []byte("defaults:\n  decision_rule: guard_band\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// The watcher may not be registered yet, so keep rewriting until the
	// change is picked up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte("defaults:\n  decision_rule: shared_risk\n"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
		policy, _ := store.Policy("t1")
		if policy.DecisionRule == calibration.RuleSharedRisk {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch did not reload, rule still %s", policy.DecisionRule)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

func TestStore_WatchWithoutPathWaitsForCancel(t *testing.T) {
	store, err := NewStore("", nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Watch(ctx); err != nil {
		t.Fatalf("watch: %v", err)
	}
}
