package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/booking"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/session"
	"github.com/facility-hub/facility-hub/internal/domain/user"
)

// Collection names used in batches.
const (
	CollectionCategories = "categories"
	CollectionMachines   = "machines"
	CollectionUsers      = "users"
	CollectionBookings   = "bookings"
	CollectionSessions   = "sessions"
	CollectionSequences  = "sequences"
	CollectionAudit      = "audit"
)

// Op is one keyed write. Audit ops are appends.
type Op struct {
	Collection string          `json:"c"`
	Key        string          `json:"k"`
	Value      json.RawMessage `json:"v,omitempty"`
	Delete     bool            `json:"d,omitempty"`
}

// Batch is the unit of commit and replication.
type Batch struct {
	TxID string `json:"txId"`
	Ops  []Op   `json:"ops"`
}

// Collections lists the distinct collections a batch touches.
func (b Batch) Collections() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, op := range b.Ops {
		if _, ok := seen[op.Collection]; ok {
			continue
		}
		seen[op.Collection] = struct{}{}
		out = append(out, op.Collection)
	}
	sort.Strings(out)
	return out
}

// userRecord keeps the password hash that user.User hides from JSON.
type userRecord struct {
	user.User
	PasswordHash string `json:"passwordHash"`
}

func toUserRecord(u *user.User) userRecord {
	return userRecord{User: *u, PasswordHash: u.PasswordHash}
}

func (r userRecord) toUser() *user.User {
	u := r.User
	u.PasswordHash = r.PasswordHash
	return &u
}

type sessionRecord struct {
	session.Session
	TokenHash string `json:"tokenHash"`
}

func (r sessionRecord) toSession() *session.Session {
	s := r.Session
	s.TokenHash = r.TokenHash
	return &s
}

type snapshot struct {
	Categories map[string]category.Category  `json:"categories"`
	Machines   map[string]machine.Machine    `json:"machines"`
	Users      map[uuid.UUID]userRecord      `json:"users"`
	Bookings   map[uuid.UUID]booking.Booking `json:"bookings"`
	Sessions   map[string]sessionRecord      `json:"sessions"`
	Sequences  map[string]int                `json:"sequences"`
	Audit      []audit.AuditLog              `json:"audit"`
	NextRowID  int64                         `json:"nextRowId"`
	AppliedTx  map[string]bool               `json:"appliedTx"`
	ByMachine  map[string]map[uuid.UUID]bool `json:"-"`
}

func emptySnapshot() snapshot {
	return snapshot{
		Categories: map[string]category.Category{},
		Machines:   map[string]machine.Machine{},
		Users:      map[uuid.UUID]userRecord{},
		Bookings:   map[uuid.UUID]booking.Booking{},
		Sessions:   map[string]sessionRecord{},
		Sequences:  map[string]int{},
		AppliedTx:  map[string]bool{},
		ByMachine:  map[string]map[uuid.UUID]bool{},
	}
}

func normalizeSnapshot(s *snapshot) {
	if s.Categories == nil {
		s.Categories = map[string]category.Category{}
	}
	if s.Machines == nil {
		s.Machines = map[string]machine.Machine{}
	}
	if s.Users == nil {
		s.Users = map[uuid.UUID]userRecord{}
	}
	if s.Bookings == nil {
		s.Bookings = map[uuid.UUID]booking.Booking{}
	}
	if s.Sessions == nil {
		s.Sessions = map[string]sessionRecord{}
	}
	if s.Sequences == nil {
		s.Sequences = map[string]int{}
	}
	if s.AppliedTx == nil {
		s.AppliedTx = map[string]bool{}
	}
	sort.SliceStable(s.Audit, func(i, j int) bool {
		if s.Audit[i].ID != s.Audit[j].ID {
			return s.Audit[i].ID < s.Audit[j].ID
		}
		return s.Audit[i].CreatedAt.Before(s.Audit[j].CreatedAt)
	})
	// ByMachine is a runtime index; it is rebuilt from bookings.
	s.ByMachine = map[string]map[uuid.UUID]bool{}
	for id, b := range s.Bookings {
		s.indexBooking(id, b.MachineID)
	}
}

func (s *snapshot) indexBooking(id uuid.UUID, machineID string) {
	set, ok := s.ByMachine[machineID]
	if !ok {
		set = map[uuid.UUID]bool{}
		s.ByMachine[machineID] = set
	}
	set[id] = true
}

func (s *snapshot) nextRowID() int64 {
	s.NextRowID++
	return s.NextRowID
}

// rowID keeps an id assigned while staging, or draws a fresh one.
func (s *snapshot) rowID(id int64) int64 {
	if id == 0 {
		return s.nextRowID()
	}
	if id > s.NextRowID {
		s.NextRowID = id
	}
	return id
}

// decoded is an op parsed ahead of applying so a bad batch changes nothing.
type decoded struct {
	op       Op
	category category.Category
	machine  machine.Machine
	user     userRecord
	userID   uuid.UUID
	booking  booking.Booking
	session  sessionRecord
	seq      int
	audit    audit.AuditLog
}

func decodeBatch(b Batch) ([]decoded, error) {
	out := make([]decoded, 0, len(b.Ops))
	for i, op := range b.Ops {
		d := decoded{op: op}
		var err error
		switch op.Collection {
		case CollectionCategories:
			if !op.Delete {
				err = json.Unmarshal(op.Value, &d.category)
			}
		case CollectionMachines:
			if !op.Delete {
				err = json.Unmarshal(op.Value, &d.machine)
			}
		case CollectionUsers:
			d.userID, err = uuid.Parse(op.Key)
			if err == nil && !op.Delete {
				err = json.Unmarshal(op.Value, &d.user)
			}
		case CollectionBookings:
			if op.Delete {
				err = errors.New("bookings are never deleted")
			} else {
				err = json.Unmarshal(op.Value, &d.booking)
			}
		case CollectionSessions:
			if !op.Delete {
				err = json.Unmarshal(op.Value, &d.session)
			}
		case CollectionSequences:
			if !op.Delete {
				err = json.Unmarshal(op.Value, &d.seq)
			}
		case CollectionAudit:
			if op.Delete {
				err = errors.New("audit entries are never deleted")
			} else {
				err = json.Unmarshal(op.Value, &d.audit)
			}
		default:
			err = fmt.Errorf("unknown collection %q", op.Collection)
		}
		if err != nil {
			return nil, fmt.Errorf("op %d (%s/%s): %w", i, op.Collection, op.Key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *snapshot) applyLocked(ops []decoded) {
	for _, d := range ops {
		key := d.op.Key
		switch d.op.Collection {
		case CollectionCategories:
			if d.op.Delete {
				delete(s.Categories, key)
			} else {
				s.Categories[key] = d.category
			}
		case CollectionMachines:
			if d.op.Delete {
				delete(s.Machines, key)
			} else {
				s.Machines[key] = d.machine
			}
		case CollectionUsers:
			if d.op.Delete {
				delete(s.Users, d.userID)
				continue
			}
			rec := d.user
			if prev, ok := s.Users[d.userID]; ok {
				rec.ID = prev.ID
			} else {
				rec.ID = s.rowID(rec.ID)
			}
			s.Users[d.userID] = rec
		case CollectionBookings:
			b := d.booking
			if prev, ok := s.Bookings[b.BookingID]; ok {
				b.ID = prev.ID
			} else {
				b.ID = s.rowID(b.ID)
			}
			s.Bookings[b.BookingID] = b
			s.indexBooking(b.BookingID, b.MachineID)
		case CollectionSessions:
			if d.op.Delete {
				delete(s.Sessions, key)
				continue
			}
			rec := d.session
			if prev, ok := s.Sessions[key]; ok {
				rec.ID = prev.ID
			} else {
				rec.ID = s.rowID(rec.ID)
			}
			s.Sessions[key] = rec
		case CollectionSequences:
			if d.op.Delete {
				delete(s.Sequences, key)
			} else if d.seq > s.Sequences[key] {
				s.Sequences[key] = d.seq
			}
		case CollectionAudit:
			entry := d.audit
			entry.ID = s.rowID(entry.ID)
			s.Audit = append(s.Audit, entry)
		}
	}
}

func (s *snapshot) copy() snapshot {
	out := emptySnapshot()
	for k, v := range s.Categories {
		out.Categories[k] = *v.Clone()
	}
	for k, v := range s.Machines {
		out.Machines[k] = v
	}
	for k, v := range s.Users {
		out.Users[k] = v
	}
	for k, v := range s.Bookings {
		out.Bookings[k] = v
	}
	for k, v := range s.Sessions {
		out.Sessions[k] = v
	}
	for k, v := range s.Sequences {
		out.Sequences[k] = v
	}
	out.Audit = append([]audit.AuditLog(nil), s.Audit...)
	out.NextRowID = s.NextRowID
	for k, v := range s.AppliedTx {
		out.AppliedTx[k] = v
	}
	return out
}
