package persistence

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/syncpad/syncpad/config"
	"github.com/syncpad/syncpad/types"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var _ driver.Valuer = &datatypes.JSON{}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(cfg *config.Config) (Store, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, nil // no or wrong configuration, ignore the store
	}
	s := GormStore{db: db}
	return &s, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, nil
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	db.Migrator().AutoMigrate(&types.RoomSnapshot{})
	return db, nil
}

func (s *GormStore) FindRoom(roomId string) (*types.RoomSnapshot, error) {
	snap := &types.RoomSnapshot{Id: roomId}
	err := s.db.First(snap).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *GormStore) ListRooms() ([]*types.RoomSnapshot, error) {
	snaps := make([]*types.RoomSnapshot, 0)
	err := s.db.Find(&snaps).Error
	return snaps, err
}

func (s *GormStore) UpsertRoom(roomId string, update RoomUpdate) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		snap := &types.RoomSnapshot{Id: roomId}
		err := tx.First(snap).Error
		switch err {
		case nil:
			if snap.Generation > update.Generation {
				// a newer mirror already landed, drop this one
				return nil
			}

		case gorm.ErrRecordNotFound:
			if update.InsertOnly != nil {
				*snap = *update.InsertOnly
			}
			snap.Id = roomId
			update.apply(snap)
			return tx.Create(snap).Error

		default:
			return err
		}
		update.apply(snap)
		return tx.Save(snap).Error
	})
}

func (s *GormStore) DeactivateRoom(roomId string) error {
	return s.db.Model(&types.RoomSnapshot{Id: roomId}).Update("is_active", false).Error
}

func (s *GormStore) BulkDeactivateIdle(olderThan time.Time) (int, error) {
	res := s.db.Model(&types.RoomSnapshot{}).
		Where("is_active = ? AND last_activity < ?", true, olderThan).
		Updates(map[string]interface{}{
			"is_active": false,
			"messages":  types.ChatMessageList{},
		})
	return int(res.RowsAffected), res.Error
}

func (s *GormStore) Close() error {
	return nil
}
