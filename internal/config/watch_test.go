package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPolicyWatcherReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyFile, []byte("platformTTLMinutes:\n  instagram: 30\n"), 0o600); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	changeCh := make(chan map[string]time.Duration, 4)
	errCh := make(chan error, 4)
	watcher, err := NewPolicyWatcher(policyFile, func(ttls map[string]time.Duration) {
		changeCh <- ttls
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- watcher.Serve(ctx) }()

	select {
	case ttls := <-changeCh:
		if ttls["instagram"] != 30*time.Minute {
			t.Fatalf("expected instagram ttl 30m on initial load, got %v", ttls)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial policy")
	}
	<-watcher.Ready()

	if err := os.WriteFile(policyFile, []byte("platformTTLMinutes:\n  instagram: 10\n  facebook: 45\n"), 0o600); err != nil {
		t.Fatalf("failed to update policy file: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ttls := <-changeCh:
			if ttls["instagram"] == 10*time.Minute && ttls["facebook"] == 45*time.Minute {
				cancel()
				select {
				case <-done:
				case <-time.After(2 * time.Second):
					t.Fatal("watcher did not stop")
				}
				return
			}
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-deadline:
			t.Fatal("timeout waiting for reload event")
		}
	}
}

func TestPolicyWatcherKeepsPolicyOnParseError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policyFile := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(policyFile, []byte("platformTTLMinutes:\n  instagram: 30\n"), 0o600); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	changes := make(chan map[string]time.Duration, 4)
	errCh := make(chan error, 4)
	watcher, err := NewPolicyWatcher(policyFile, func(ttls map[string]time.Duration) { changes <- ttls }, func(err error) { errCh <- err })
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	go func() { _ = watcher.Serve(ctx) }()
	<-watcher.Ready()
	<-changes

	if err := os.WriteFile(policyFile, []byte("platformTTLMinutes:\n  instagram: -1\n"), 0o600); err != nil {
		t.Fatalf("failed to update policy file: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-errCh:
			return
		case ttls := <-changes:
			// A truncated intermediate write parses as an empty policy.
			if len(ttls) != 0 {
				t.Fatalf("invalid policy must not be applied, got %v", ttls)
			}
		case <-deadline:
			t.Fatal("timeout waiting for parse error")
		}
	}
}

func TestNewPolicyWatcherValidates(t *testing.T) {
	if _, err := NewPolicyWatcher("policy.yaml", nil, nil); err == nil {
		t.Fatal("expected error for missing callback")
	}
	if _, err := NewPolicyWatcher("", func(map[string]time.Duration) {}, nil); err == nil {
		t.Fatal("expected error for missing path")
	}
}
