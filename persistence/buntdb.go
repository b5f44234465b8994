package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncpad/syncpad/config"
	"github.com/syncpad/syncpad/types"
	"github.com/tidwall/buntdb"
)

const roomKeyPrefix = "room:"

type BuntStore struct {
	db *buntdb.DB
}

func NewBuntStore(cfg *config.Config) (Store, error) {
	db, err := setupBuntDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the store
	}
	return &BuntStore{db}, nil
}

func setupBuntDB(cfg *config.Config) (*buntdb.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	db, err := buntdb.Open(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("rooms_activity", roomKeyPrefix+"*", buntdb.IndexJSON("last_activity"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *BuntStore) FindRoom(roomId string) (*types.RoomSnapshot, error) {
	snap := &types.RoomSnapshot{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(roomKeyPrefix + roomId)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(v), snap)
	})
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BuntStore) ListRooms() ([]*types.RoomSnapshot, error) {
	snaps := make([]*types.RoomSnapshot, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(roomKeyPrefix+"*", func(key, val string) bool {
			snap := &types.RoomSnapshot{}
			if err := json.Unmarshal([]byte(val), snap); err == nil {
				snaps = append(snaps, snap)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

func (s *BuntStore) UpsertRoom(roomId string, update RoomUpdate) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		key := roomKeyPrefix + roomId
		snap := &types.RoomSnapshot{}
		v, err := tx.Get(key)
		switch err {
		case nil:
			if err := json.Unmarshal([]byte(v), snap); err != nil {
				return err
			}
			if snap.Generation > update.Generation {
				// a newer mirror already landed, drop this one
				return nil
			}

		case buntdb.ErrNotFound:
			if update.InsertOnly != nil {
				*snap = *update.InsertOnly
			}
			snap.Id = roomId

		default:
			return err
		}
		update.apply(snap)
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(raw), nil)
		return err
	})
}

func (s *BuntStore) DeactivateRoom(roomId string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		key := roomKeyPrefix + roomId
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		snap := &types.RoomSnapshot{}
		if err := json.Unmarshal([]byte(v), snap); err != nil {
			return err
		}
		snap.IsActive = false
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(raw), nil)
		return err
	})
}

func (s *BuntStore) BulkDeactivateIdle(olderThan time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *buntdb.Tx) error {
		cond := fmt.Sprintf(`{"last_activity":"%s"}`, olderThan.In(time.UTC).Format(time.RFC3339Nano))
		stale := make([]*types.RoomSnapshot, 0)
		err := tx.AscendLessThan("rooms_activity", cond, func(key, val string) bool {
			snap := &types.RoomSnapshot{}
			if err := json.Unmarshal([]byte(val), snap); err == nil && snap.IsActive {
				stale = append(stale, snap)
			}
			return true
		})
		if err != nil {
			return err
		}
		for _, snap := range stale {
			snap.IsActive = false
			snap.Messages = types.ChatMessageList{}
			raw, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(roomKeyPrefix+snap.Id, string(raw), nil); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *BuntStore) Close() error {
	return s.db.Close()
}
