package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxBulkSize 未配置时的大单阈值（总份数超过即为大单）。
const DefaultMaxBulkSize = 50

// Canteen 食堂。
type Canteen struct {
	ID        string    `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	Name                  string `gorm:"size:128;not null" bson:"name" json:"name"`
	Location              string `gorm:"size:255" bson:"location" json:"location"`
	IsOpen                bool   `gorm:"not null;default:false" bson:"isOpen" json:"isOpen"`
	IsOnlineOrdersEnabled bool   `gorm:"not null;default:false" bson:"isOnlineOrdersEnabled" json:"isOnlineOrdersEnabled"`
	MaxBulkSize           int    `gorm:"not null;default:50" bson:"maxBulkSize" json:"maxBulkSize"`
}

func (Canteen) TableName() string { return "canteens" }

// BulkThreshold 兼容旧数据里 maxBulkSize 为 0 的情况。
func (c *Canteen) BulkThreshold() int {
	if c.MaxBulkSize <= 0 {
		return DefaultMaxBulkSize
	}
	return c.MaxBulkSize
}

// CanteenPatch nil 表示不修改。
type CanteenPatch struct {
	Name                  *string
	Location              *string
	MaxBulkSize           *int
	IsOpen                *bool
	IsOnlineOrdersEnabled *bool
}

// MenuItem 菜单项。
type MenuItem struct {
	ID        string    `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	CanteenID   string          `gorm:"size:36;not null;index" bson:"canteenId" json:"canteenId"`
	Name        string          `gorm:"size:128;not null" bson:"name" json:"name"`
	Price       decimal.Decimal `gorm:"type:decimal(10,2);not null" bson:"price" json:"price"`
	IsVeg       bool            `gorm:"not null" bson:"isVeg" json:"isVeg"`
	IsAvailable bool            `gorm:"not null" bson:"isAvailable" json:"isAvailable"`
}

func (MenuItem) TableName() string { return "menu_items" }

// MenuItemPatch nil 表示不修改；所属食堂不可改。
type MenuItemPatch struct {
	Name        *string
	Price       *decimal.Decimal
	IsVeg       *bool
	IsAvailable *bool
}
