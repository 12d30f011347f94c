package dcpeer

import (
	"context"
	"sync"
)

// Mock is an in-memory Client implementation used by tests.
type Mock struct {
	mu sync.Mutex

	groups      []GroupDef
	revision    uint64
	lastAccess  map[uint64]int64
	failNext    bool
	PublishedRevisions []PublishedRevision
}

// PublishedRevision records a call to UpdateGroupHPMapRevision for test
// assertions (S6: "called exactly once").
type PublishedRevision struct {
	GroupIDs []uint64
	Revision uint64
}

// NewMock creates an empty mock DC peer.
func NewMock() *Mock {
	return &Mock{lastAccess: make(map[uint64]int64)}
}

// SetGroups replaces the group set returned by GetProxyGroups.
func (m *Mock) SetGroups(groups []GroupDef, revision uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = groups
	m.revision = revision
}

// SetLastAccess sets the heartbeat timestamp the mock reports for proxyID.
func (m *Mock) SetLastAccess(proxyID uint64, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAccess[proxyID] = ts
}

// FailNext makes the next call return ErrTransient, simulating a down peer.
func (m *Mock) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

func (m *Mock) consumeFailure() bool {
	if m.failNext {
		m.failNext = false
		return true
	}
	return false
}

func (m *Mock) GetProxyGroups(ctx context.Context) ([]GroupDef, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumeFailure() {
		return nil, 0, &ErrTransient{Op: "get_proxy_groups", Err: errMockDown}
	}
	out := make([]GroupDef, len(m.groups))
	copy(out, m.groups)
	return out, m.revision, nil
}

func (m *Mock) GetGroupProxyLastAccess(ctx context.Context, proxies []*ProxyRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumeFailure() {
		return &ErrTransient{Op: "get_group_proxy_lastaccess", Err: errMockDown}
	}
	for _, p := range proxies {
		if v, ok := m.lastAccess[p.ProxyID]; ok {
			p.LastAccess = v
		}
	}
	return nil
}

func (m *Mock) UpdateGroupHPMapRevision(ctx context.Context, groupIDs []uint64, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumeFailure() {
		return &ErrTransient{Op: "update_group_hpmap_revision", Err: errMockDown}
	}
	ids := make([]uint64, len(groupIDs))
	copy(ids, groupIDs)
	m.PublishedRevisions = append(m.PublishedRevisions, PublishedRevision{GroupIDs: ids, Revision: revision})
	return nil
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockDown = mockError("mock dc peer down")
