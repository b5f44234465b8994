package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ChatMessageList and DrawActionList are JSON column types, they implement
// the driver.Valuer and sql.Scanner interfaces.

type ChatMessageList []ChatMessage

// Value return json value, implement driver.Valuer interface
func (l ChatMessageList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	ba, err := json.Marshal([]ChatMessage(l))
	return string(ba), err
}

// Scan scan value into the list, implements sql.Scanner interface
func (l *ChatMessageList) Scan(val interface{}) error {
	ba, err := jsonBytes(val)
	if err != nil {
		return err
	}
	t := make([]ChatMessage, 0)
	err = json.Unmarshal(ba, &t)
	*l = ChatMessageList(t)
	return err
}

// GormDataType gorm common data type
func (ChatMessageList) GormDataType() string {
	return "jsonmessagelist"
}

// GormDBDataType gorm db data type
func (ChatMessageList) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

type DrawActionList []DrawAction

func (l DrawActionList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	ba, err := json.Marshal([]DrawAction(l))
	return string(ba), err
}

func (l *DrawActionList) Scan(val interface{}) error {
	ba, err := jsonBytes(val)
	if err != nil {
		return err
	}
	t := make([]DrawAction, 0)
	err = json.Unmarshal(ba, &t)
	*l = DrawActionList(t)
	return err
}

func (DrawActionList) GormDataType() string {
	return "jsonactionlist"
}

func (DrawActionList) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	return jsonColumnType(db)
}

func jsonBytes(val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case nil:
		return []byte("null"), nil
	default:
		return nil, errors.New(fmt.Sprint("Failed to unmarshal JSONB value:", val))
	}
}

func jsonColumnType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "JSON"
	case "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}
