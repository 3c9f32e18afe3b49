package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// ActivePaymentStatuses 同一订单同一时刻最多存在一笔处于这些状态的支付。
var ActivePaymentStatuses = []PaymentStatus{PaymentPending, PaymentSuccess}

func (s PaymentStatus) Active() bool {
	return s == PaymentPending || s == PaymentSuccess
}

const ProviderMock = "MOCK"

// Payment 一笔（模拟）支付。
type Payment struct {
	ID        string    `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	OrderID  string          `gorm:"size:36;not null;index" bson:"orderId" json:"orderId"`
	UserID   string          `gorm:"size:36;not null;index" bson:"userId" json:"userId"`
	Provider string          `gorm:"size:32;not null" bson:"provider" json:"provider"`
	Amount   decimal.Decimal `gorm:"type:decimal(10,2);not null" bson:"amount" json:"amount"`
	Status   PaymentStatus   `gorm:"size:16;not null;index" bson:"status" json:"status"`
	// TransactionID 非空时唯一。
	TransactionID  *string `gorm:"size:64;uniqueIndex" bson:"transactionId,omitempty" json:"transactionId"`
	PaymentDetails Details `gorm:"type:text" bson:"paymentDetails" json:"paymentDetails"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) Clone() *Payment {
	c := *p
	if p.TransactionID != nil {
		tx := *p.TransactionID
		c.TransactionID = &tx
	}
	c.PaymentDetails = p.PaymentDetails.Clone()
	return &c
}

// PaymentPatch 支付条件更新写入的字段。
type PaymentPatch struct {
	Status         PaymentStatus
	TransactionID  string
	PaymentDetails Details
}

// PaymentFilter 零值字段不参与过滤。
type PaymentFilter struct {
	OrderID  string
	Statuses []PaymentStatus
}

func (f PaymentFilter) Match(p *Payment) bool {
	if f.OrderID != "" && p.OrderID != f.OrderID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}
