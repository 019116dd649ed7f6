package syncer

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mahaj/studio-chat/pkg/delivery"
	"github.com/mahaj/studio-chat/pkg/model"
)

// DefaultTolerance is how far apart a pending entry and a server message
// may be stamped and still count as the same message.
const DefaultTolerance = 2 * time.Second

// Item is one rendered line. Server messages have State StateSent and an
// empty TempID; pending entries have a zero ID.
type Item struct {
	model.Message
	TempID string
	State  model.DeliveryState
	Err    error
}

// Merge builds the view of one session. fetched is authoritative. A
// sending or failed entry is dropped once a fetched message from the same
// sender with the same text lands within tolerance of it; each fetched
// message absorbs at most one entry. A sent entry shows its canonical
// message until fetched includes it.
func Merge(fetched []model.Message, entries []delivery.Entry, tolerance time.Duration) []Item {
	view := make([]Item, 0, len(fetched)+len(entries))
	ids := make(map[int64]bool, len(fetched))
	for _, m := range fetched {
		ids[m.ID] = true
		view = append(view, Item{Message: m, State: model.StateSent})
	}

	absorbed := make([]bool, len(fetched))
	for _, e := range entries {
		switch e.State {
		case model.StateSent:
			if e.Message == nil || ids[e.Message.ID] {
				continue
			}
			ids[e.Message.ID] = true
			view = append(view, Item{Message: *e.Message, TempID: e.TempID, State: model.StateSent})
		case model.StateSending, model.StateFailed:
			if i := arrived(fetched, absorbed, e.PendingMessage, tolerance); i >= 0 {
				absorbed[i] = true
				continue
			}
			view = append(view, Item{
				Message: model.Message{
					SessionID: e.SessionID,
					Sender:    e.Sender,
					Text:      e.Text,
					CreatedAt: e.CreatedAt,
				},
				TempID: e.TempID,
				State:  e.State,
				Err:    e.Err,
			})
		}
	}

	sort.SliceStable(view, func(i, j int) bool {
		a, b := view[i], view[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ID != 0 && b.ID != 0 {
			return a.ID < b.ID
		}
		return false
	})
	return view
}

func arrived(fetched []model.Message, absorbed []bool, p model.PendingMessage, tolerance time.Duration) int {
	for i, m := range fetched {
		if absorbed[i] || m.Text != p.Text || m.Sender != p.Sender {
			continue
		}
		d := m.CreatedAt.Sub(p.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return i
		}
	}
	return -1
}

// contentHash fingerprints a fetched list, including read flags.
func contentHash(msgs []model.Message) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, m := range msgs {
		binary.LittleEndian.PutUint64(buf[:], uint64(m.ID))
		d.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(m.CreatedAt.UnixNano()))
		d.Write(buf[:])
		d.WriteString(string(m.Sender))
		d.Write([]byte{0})
		d.WriteString(m.Text)
		if m.Read {
			d.Write([]byte{0, 1})
		} else {
			d.Write([]byte{0, 0})
		}
	}
	return d.Sum64()
}
