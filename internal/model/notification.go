package model

import "time"

// Notification 站内通知收件箱，由 Kafka 消费者落库。
type Notification struct {
	ID        string    `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	CreatedAt time.Time `gorm:"index" bson:"createdAt" json:"createdAt"`

	UserID string  `gorm:"size:36;not null;index" bson:"userId" json:"userId"`
	Title  string  `gorm:"size:128;not null" bson:"title" json:"title"`
	Body   string  `gorm:"size:512;not null" bson:"body" json:"body"`
	Data   Details `gorm:"type:text" bson:"data" json:"data"`
}

func (Notification) TableName() string { return "notifications" }
