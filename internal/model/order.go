package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus 订单生命周期状态。
type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderPaid      OrderStatus = "PAID"
	OrderAccepted  OrderStatus = "ACCEPTED"
	OrderPreparing OrderStatus = "PREPARING"
	OrderReady     OrderStatus = "READY"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// ActiveStatuses 计入排队深度的状态。
var ActiveStatuses = []OrderStatus{OrderPaid, OrderAccepted, OrderPreparing}

// BoardStatuses 食堂看板默认展示的状态（已支付到待取餐）。
var BoardStatuses = []OrderStatus{OrderPaid, OrderAccepted, OrderPreparing, OrderReady}

// CancelledBy 记录取消方类别，空字符串表示未取消。
type CancelledBy string

const (
	CancelledByNone    CancelledBy = ""
	CancelledByCanteen CancelledBy = "CANTEEN"
	CancelledByAdmin   CancelledBy = "ADMIN"
	CancelledByUser    CancelledBy = "USER"
)

// Order 学生订单；金额单位为元，使用 decimal 避免浮点误差。
type Order struct {
	ID        string    `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	CreatedAt time.Time `gorm:"index" bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	UserID    string      `gorm:"size:36;not null;index" bson:"userId" json:"userId"`
	CanteenID string      `gorm:"size:36;not null;index" bson:"canteenId" json:"canteenId"`
	Items     []OrderLine `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" bson:"items" json:"items"`

	TotalAmount         decimal.Decimal `gorm:"type:decimal(10,2);not null" bson:"totalAmount" json:"totalAmount"`
	IsBulkOrder         bool            `gorm:"not null;default:false" bson:"isBulkOrder" json:"isBulkOrder"`
	SpecialInstructions string          `gorm:"size:255" bson:"specialInstructions" json:"specialInstructions"`

	Status      OrderStatus `gorm:"size:16;not null;index" bson:"status" json:"status"`
	CancelledBy CancelledBy `gorm:"size:16" bson:"cancelledBy" json:"cancelledBy,omitempty"`
	// PickupCode 非空时全局唯一（唯一索引允许多个 NULL）。
	PickupCode     *string `gorm:"size:6;uniqueIndex" bson:"pickupCode,omitempty" json:"pickupCode"`
	PickupCodeUsed bool    `gorm:"not null;default:false" bson:"pickupCodeUsed" json:"pickupCodeUsed"`
}

func (Order) TableName() string { return "orders" }

// TotalQuantity 汇总所有明细的份数。
func (o *Order) TotalQuantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// Clone 深拷贝，内存存储返回副本，避免调用方改到共享状态。
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderLine(nil), o.Items...)
	if o.PickupCode != nil {
		code := *o.PickupCode
		c.PickupCode = &code
	}
	return &c
}

// OrderLine 下单时的菜品快照。
type OrderLine struct {
	ID      uint   `gorm:"primarykey" bson:"-" json:"-"`
	OrderID string `gorm:"size:36;not null;index" bson:"-" json:"-"`

	MenuItemID string          `gorm:"size:36;not null" bson:"menuItemId" json:"menuItemId"`
	Name       string          `gorm:"size:128;not null" bson:"name" json:"name"`
	Price      decimal.Decimal `gorm:"type:decimal(10,2);not null" bson:"price" json:"price"`
	Quantity   int             `gorm:"not null" bson:"quantity" json:"quantity"`
	IsVeg      bool            `gorm:"not null" bson:"isVeg" json:"isVeg"`
}

func (OrderLine) TableName() string { return "order_lines" }

// OrderPatch 条件更新时随状态一起原子写入的字段。
type OrderPatch struct {
	Status         OrderStatus
	PickupCode     *string
	PickupCodeUsed *bool
	CancelledBy    *CancelledBy
}

// OrderFilter 列表/计数/汇总查询条件，零值字段不参与过滤。
type OrderFilter struct {
	UserID       string
	CanteenID    string
	Statuses     []OrderStatus
	CreatedSince time.Time
	UpdatedSince time.Time
	UpdatedUntil time.Time
}

// Match 供内存实现复用的过滤逻辑。
func (f OrderFilter) Match(o *Order) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.CanteenID != "" && o.CanteenID != f.CanteenID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
		return false
	}
	if !f.CreatedSince.IsZero() && o.CreatedAt.Before(f.CreatedSince) {
		return false
	}
	if !f.UpdatedSince.IsZero() && o.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	if !f.UpdatedUntil.IsZero() && o.UpdatedAt.After(f.UpdatedUntil) {
		return false
	}
	return true
}

func containsStatus(list []OrderStatus, s OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
