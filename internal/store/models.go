package store

import (
	"time"

	"gorm.io/gorm"
)

// Subscriber holds the credentials of one SIM. Ki and OPc are hex.
type Subscriber struct {
	IMSI      string    `gorm:"primarykey;size:15" json:"imsi" yaml:"imsi"`
	MSISDN    string    `gorm:"index;size:15" json:"msisdn,omitempty" yaml:"msisdn,omitempty"`
	Ki        string    `gorm:"size:32;not null" json:"-" yaml:"-"`
	OPc       string    `gorm:"column:opc;size:32;not null" json:"-" yaml:"-"`
	SQN       uint64    `gorm:"not null;default:0" json:"sqn" yaml:"sqn"`
	AMF       uint16    `gorm:"not null;default:32768" json:"amf" yaml:"amf"`
	Barred    bool      `gorm:"not null;default:false" json:"barred" yaml:"barred"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// TableName specifies the table name for Subscriber.
func (Subscriber) TableName() string { return "subscribers" }

// Journal event names.
const (
	EventCreated  = "created"
	EventReleased = "released"
	EventAuth     = "auth"
	EventLink     = "link"
)

// ConnEvent is one row of the connection journal.
type ConnEvent struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	Epoch      string    `gorm:"index;size:36" json:"epoch"`
	ConnID     uint16    `gorm:"index" json:"conn_id"`
	Kind       string    `gorm:"size:8" json:"kind"`
	Event      string    `gorm:"index;size:16;not null" json:"event"`
	Subscriber string    `gorm:"index;size:32" json:"subscriber,omitempty"`
	Detail     string    `gorm:"size:128" json:"detail,omitempty"`
	At         time.Time `gorm:"index;not null" json:"at"`
}

// TableName specifies the table name for ConnEvent.
func (ConnEvent) TableName() string { return "conn_events" }

// BeforeCreate stamps rows written without a time.
func (e *ConnEvent) BeforeCreate(*gorm.DB) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return nil
}
