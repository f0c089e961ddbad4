package remediation

import "sync"

// Approvals records operator sign-off for actions that require it.
// Grants are scoped to one incident and one action kind; nothing is
// approved in general.
type Approvals struct {
	mu      sync.RWMutex
	granted map[string]struct{}
}

// NewApprovals constructs an empty approval registry.
func NewApprovals() *Approvals {
	return &Approvals{granted: make(map[string]struct{})}
}

// Grant records approval for the kind on the incident.
func (a *Approvals) Grant(incidentID, kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.granted[approvalKey(incidentID, kind)] = struct{}{}
}

// Approved reports whether the kind was approved for the incident.
func (a *Approvals) Approved(incidentID, kind string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.granted[approvalKey(incidentID, kind)]
	return ok
}

// Forget drops all grants for an incident once it closes.
func (a *Approvals) Forget(incidentID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.granted {
		if incidentOf(key) == incidentID {
			delete(a.granted, key)
		}
	}
}

func approvalKey(incidentID, kind string) string {
	return incidentID + "\x00" + kind
}

func incidentOf(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}
