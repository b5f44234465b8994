package persistence

import (
	"fmt"
	"time"

	"github.com/syncpad/syncpad/config"
	"github.com/syncpad/syncpad/types"
)

// Store is the session store consumed by the hub's persistence bridge and the
// admin CLI. All writes are best-effort: the in-memory registry stays
// authoritative for the lifetime of the process, a store failure only costs
// durability.
type Store interface {
	// FindRoom returns the snapshot for the given room id, or nil if there is none.
	FindRoom(roomId string) (*types.RoomSnapshot, error)
	ListRooms() ([]*types.RoomSnapshot, error)
	// UpsertRoom applies a partial update to the snapshot. A missing snapshot
	// is seeded from update.InsertOnly first. Field updates are skipped when
	// the stored generation is newer than update.Generation, so a slow mirror
	// write cannot resurrect state on an already-evicted room.
	UpsertRoom(roomId string, update RoomUpdate) error
	// DeactivateRoom unconditionally marks the snapshot inactive.
	DeactivateRoom(roomId string) error
	// BulkDeactivateIdle marks every active snapshot with no activity since
	// olderThan as inactive and clears its message log. Returns the number of
	// snapshots touched.
	BulkDeactivateIdle(olderThan time.Time) (int, error)
	Close() error
}

// RoomUpdate is a partial update of a room snapshot. Nil fields are left
// untouched.
type RoomUpdate struct {
	// InsertOnly seeds a snapshot that does not exist yet, it never overwrites
	// an existing one.
	InsertOnly *types.RoomSnapshot

	Code          *string
	Language      *string
	Messages      *[]types.ChatMessage
	AppendMessage *types.ChatMessage
	Actions       *[]types.DrawAction
	LastActivity  *time.Time
	IsActive      *bool

	// Generation of the in-memory room at the time the mirror was dispatched.
	Generation uint64
}

// apply merges the update into the snapshot. The generation check is done by
// the caller.
func (u RoomUpdate) apply(snap *types.RoomSnapshot) {
	if u.Code != nil {
		snap.Code = *u.Code
	}
	if u.Language != nil {
		snap.Language = *u.Language
	}
	if u.Messages != nil {
		snap.Messages = types.ChatMessageList(*u.Messages)
	}
	if u.AppendMessage != nil {
		snap.Messages = append(snap.Messages, *u.AppendMessage)
	}
	if u.Actions != nil {
		snap.Actions = types.DrawActionList(*u.Actions)
	}
	if u.LastActivity != nil {
		snap.LastActivity = u.LastActivity.UTC()
	}
	if u.IsActive != nil {
		snap.IsActive = *u.IsActive
	}
	if u.Generation > snap.Generation {
		snap.Generation = u.Generation
	}
}

// NewStore creates the session store configured in cfg. It returns nil (and
// no error) if persistence is not configured, which is a legal mode of
// operation: the hub checks for a nil store at every call site.
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.PersistenceConfig.Type {
	case "":
		return nil, nil

	case "buntdb":
		return NewBuntStore(cfg)

	case "sqlite", "postgres":
		return NewGormStore(cfg)

	default:
		return nil, fmt.Errorf("unknown persistence type: %s", cfg.PersistenceConfig.Type)
	}
}
