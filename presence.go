package orgspace

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/singleflight"
)

// PresenceCache memoizes per-user flags for the life of the engine: the
// executive flag, public profiles and online presence. Executive flags and
// profiles are fetched at most once per id; concurrent lookups of the same
// uncached id share one request. Failed fetches are not cached.
type PresenceCache struct {
	client *Client
	group  singleflight.Group

	mu        sync.RWMutex
	executive map[string]bool
	profiles  map[string]*Profile
	online    map[string]bool
}

func NewPresenceCache(client *Client) *PresenceCache {
	return &PresenceCache{
		client:    client,
		executive: make(map[string]bool),
		profiles:  make(map[string]*Profile),
		online:    make(map[string]bool),
	}
}

// Status returns whether userID is flagged as an executive.
func (p *PresenceCache) Status(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrEmptySelector
	}
	if v, ok := p.CachedStatus(userID); ok {
		return v, nil
	}

	v, err, _ := p.group.Do("exec:"+userID, func() (interface{}, error) {
		if v, ok := p.CachedStatus(userID); ok {
			return v, nil
		}
		isExec, err := p.client.ExecutiveStatus(ctx, userID)
		if err != nil {
			return false, err
		}
		p.mu.Lock()
		p.executive[userID] = isExec
		p.mu.Unlock()
		return isExec, nil
	})
	if err != nil {
		jww.DEBUG.Printf("[OS-PRES] executive status for %s failed: %v", userID, err)
		return false, errors.Wrapf(err, "executive status for %s", userID)
	}
	return v.(bool), nil
}

// CachedStatus returns the executive flag without fetching.
func (p *PresenceCache) CachedStatus(userID string) (value, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok = p.executive[userID]
	return value, ok
}

// Profile returns the public profile of userID.
func (p *PresenceCache) Profile(ctx context.Context, userID string) (*Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrEmptySelector
	}
	if prof := p.cachedProfile(userID); prof != nil {
		return prof, nil
	}

	v, err, _ := p.group.Do("profile:"+userID, func() (interface{}, error) {
		if prof := p.cachedProfile(userID); prof != nil {
			return prof, nil
		}
		prof, err := p.client.PublicProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.profiles[userID] = prof
		p.mu.Unlock()
		cp := *prof
		return &cp, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "profile for %s", userID)
	}
	prof := *v.(*Profile)
	return &prof, nil
}

func (p *PresenceCache) cachedProfile(userID string) *Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if prof, ok := p.profiles[userID]; ok {
		cp := *prof
		return &cp
	}
	return nil
}

// SetOnline records a presence event.
func (p *PresenceCache) SetOnline(userID string, online bool) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.online[userID] = online
	p.mu.Unlock()
}

// Online reports the last known presence of userID; unknown users are
// offline.
func (p *PresenceCache) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}
