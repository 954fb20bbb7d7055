package client

import (
	"sort"

	"vestnik/internal/models"
)

// PresenceTracker holds the online subset of the users the viewer follows.
//
// The protocol is snapshot based: every connectedUsers frame replaces the
// whole set, and a followed user missing from a snapshot is offline. Do not
// turn this into a diff merge without changing the wire contract.
type PresenceTracker struct {
	following map[string]struct{}
	online    map[string]models.ConnectedUser
}

func NewPresenceTracker(following []string) *PresenceTracker {
	p := &PresenceTracker{online: make(map[string]models.ConnectedUser)}
	p.SetFollowing(following)
	return p
}

// SetFollowing replaces the following relation and drops online users that
// are no longer followed.
func (p *PresenceTracker) SetFollowing(ids []string) {
	p.following = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		p.following[id] = struct{}{}
	}
	for id := range p.online {
		if _, ok := p.following[id]; !ok {
			delete(p.online, id)
		}
	}
}

// Apply replaces the presence set with the followed users of snap.
func (p *PresenceTracker) Apply(snap models.ConnectedUsersPayload) {
	online := make(map[string]models.ConnectedUser, len(snap.Users))
	for _, u := range snap.Users {
		if _, ok := p.following[u.UserID]; ok {
			online[u.UserID] = u
		}
	}
	p.online = online
}

// Online returns the presence set ordered by user id.
func (p *PresenceTracker) Online() []models.ConnectedUser {
	users := make([]models.ConnectedUser, 0, len(p.online))
	for _, u := range p.online {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

func (p *PresenceTracker) IsOnline(userID string) bool {
	_, ok := p.online[userID]
	return ok
}
