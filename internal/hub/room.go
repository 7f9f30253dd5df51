package hub

import (
	"sync"
	"time"
)

// maxParticipants caps room occupancy; calls are strictly one-to-one.
const maxParticipants = 2

// Room is one live call. participants and hostCid are guarded by mu; when a
// caller needs both the hub registry lock and a room lock, the registry lock
// is acquired first. No send ever happens while holding mu.
type Room struct {
	rid string

	mu           sync.Mutex
	participants map[*Session]string // session -> cid
	hostCid      string
}

func newRoom(rid string) *Room {
	return &Room{
		rid:          rid,
		participants: make(map[*Session]string, maxParticipants),
	}
}

// participantsLocked snapshots the membership list. Callers hold mu.
func (r *Room) participantsLocked(joinedAt time.Time) []Participant {
	out := make([]Participant, 0, len(r.participants))
	for _, cid := range r.participants {
		p := Participant{CID: cid}
		if !joinedAt.IsZero() {
			p.JoinedAt = joinedAt.UnixMilli()
		}
		out = append(out, p)
	}
	return out
}

// membersLocked snapshots the member sessions. Callers hold mu.
func (r *Room) membersLocked() []*Session {
	out := make([]*Session, 0, len(r.participants))
	for s := range r.participants {
		out = append(out, s)
	}
	return out
}
