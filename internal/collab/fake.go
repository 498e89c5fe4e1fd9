package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeStore is an in-memory Store for tests: a hand-written stub
// collaborator rather than a generated mock.
type FakeStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	apps        map[string]*App
	activeCalls []activeCall
}

type activeCall struct {
	userID, packageName string
}

// NewFakeStore creates an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		users: make(map[string]*User),
		apps:  make(map[string]*App),
	}
}

// PutUser registers a user for lookup.
func (f *FakeStore) PutUser(u User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = &u
}

// PutApp registers an app manifest for lookup.
func (f *FakeStore) PutApp(a App) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apps[a.PackageName] = &a
}

func (f *FakeStore) GetUser(_ context.Context, userID string) (*User, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("collab: user %q not found", userID)
	}
	return u, nil
}

func (f *FakeStore) GetApp(_ context.Context, packageName string) (*App, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.apps[packageName]
	if !ok {
		return nil, fmt.Errorf("collab: app %q not found", packageName)
	}
	return a, nil
}

func (f *FakeStore) ValidateAPIKey(_ context.Context, packageName, apiKey string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.apps[packageName]
	if !ok {
		return false, nil
	}
	return a.APIKey == apiKey, nil
}

func (f *FakeStore) RecordAppActive(_ context.Context, userID, packageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls = append(f.activeCalls, activeCall{userID: userID, packageName: packageName})
	return nil
}

// ActiveCallCount reports how many times RecordAppActive has been called
// for (userID, packageName), for tests to assert the write happened.
func (f *FakeStore) ActiveCallCount(userID, packageName string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, c := range f.activeCalls {
		if c.userID == userID && c.packageName == packageName {
			n++
		}
	}
	return n
}

// FakeMediaBackend is an in-memory MediaBackend for tests. It derives ingest
// URLs deterministically from the stream ID and tracks outputs purely in
// memory.
type FakeMediaBackend struct {
	mu      sync.Mutex
	outputs map[string]map[string]string // streamID -> outputID -> url
}

// NewFakeMediaBackend creates an empty FakeMediaBackend.
func NewFakeMediaBackend() *FakeMediaBackend {
	return &FakeMediaBackend{outputs: make(map[string]map[string]string)}
}

func (f *FakeMediaBackend) AllocateIngest(_ context.Context, streamID string) (IngestAllocation, error) {
	return IngestAllocation{
		CFIngestURL:   fmt.Sprintf("rtmps://ingest.example/%s", streamID),
		CFLiveInputID: streamID,
		AccessURLs: AccessURLs{
			HLS:  fmt.Sprintf("https://cdn.example/%s/index.m3u8", streamID),
			RTMP: fmt.Sprintf("rtmp://cdn.example/%s", streamID),
			DASH: fmt.Sprintf("https://cdn.example/%s/manifest.mpd", streamID),
		},
	}, nil
}

func (f *FakeMediaBackend) AddRestreamOutput(_ context.Context, streamID, url, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputs[streamID] == nil {
		f.outputs[streamID] = make(map[string]string)
	}
	id := uuid.NewString()
	f.outputs[streamID][id] = url
	return id, nil
}

func (f *FakeMediaBackend) RemoveRestreamOutput(_ context.Context, streamID, outputID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outputs[streamID], outputID)
	return nil
}

func (f *FakeMediaBackend) ReleaseIngest(_ context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.outputs, streamID)
	return nil
}
