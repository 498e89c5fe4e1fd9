package collab

import (
	"context"
	"testing"
)

func TestFakeStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewFakeStore()
	s.PutUser(User{ID: "user-1"})
	s.PutApp(App{PackageName: "com.example.app", APIKey: "secret", WebhookURL: "https://example.com/hook"})

	ctx := context.Background()

	u, err := s.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.ID != "user-1" {
		t.Errorf("GetUser.ID = %q, want user-1", u.ID)
	}

	a, err := s.GetApp(ctx, "com.example.app")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if a.WebhookURL != "https://example.com/hook" {
		t.Errorf("GetApp.WebhookURL = %q", a.WebhookURL)
	}

	ok, err := s.ValidateAPIKey(ctx, "com.example.app", "secret")
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if !ok {
		t.Error("ValidateAPIKey: expected true for matching key")
	}

	ok, err = s.ValidateAPIKey(ctx, "com.example.app", "wrong")
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if ok {
		t.Error("ValidateAPIKey: expected false for mismatched key")
	}
}

func TestFakeStoreMissing(t *testing.T) {
	t.Parallel()

	s := NewFakeStore()
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "nope"); err == nil {
		t.Error("GetUser: expected error for unknown user")
	}
	if _, err := s.GetApp(ctx, "nope"); err == nil {
		t.Error("GetApp: expected error for unknown app")
	}
	ok, err := s.ValidateAPIKey(ctx, "nope", "anything")
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if ok {
		t.Error("ValidateAPIKey: expected false for unknown app")
	}
}

func TestFakeMediaBackendLifecycle(t *testing.T) {
	t.Parallel()

	m := NewFakeMediaBackend()
	ctx := context.Background()

	alloc, err := m.AllocateIngest(ctx, "stream-1")
	if err != nil {
		t.Fatalf("AllocateIngest: %v", err)
	}
	if alloc.AccessURLs.HLS == "" || alloc.CFIngestURL == "" {
		t.Errorf("AllocateIngest returned incomplete allocation: %+v", alloc)
	}

	outID, err := m.AddRestreamOutput(ctx, "stream-1", "rtmp://dest/a", "youtube")
	if err != nil {
		t.Fatalf("AddRestreamOutput: %v", err)
	}
	if outID == "" {
		t.Fatal("AddRestreamOutput returned empty outputID")
	}

	if err := m.RemoveRestreamOutput(ctx, "stream-1", outID); err != nil {
		t.Fatalf("RemoveRestreamOutput: %v", err)
	}

	if err := m.ReleaseIngest(ctx, "stream-1"); err != nil {
		t.Fatalf("ReleaseIngest: %v", err)
	}
}

func TestFakeMediaBackendConcurrentOutputs(t *testing.T) {
	t.Parallel()

	m := NewFakeMediaBackend()
	ctx := context.Background()

	done := make(chan string, 10)
	for i := 0; i < 10; i++ {
		go func() {
			id, err := m.AddRestreamOutput(ctx, "stream-concurrent", "rtmp://dest/x", "dest")
			if err != nil {
				t.Errorf("AddRestreamOutput: %v", err)
			}
			done <- id
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id := <-done
		if seen[id] {
			t.Errorf("duplicate outputID %q", id)
		}
		seen[id] = true
	}
}
