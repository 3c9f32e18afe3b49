package model

import "time"

type Role string

const (
	RoleStudent Role = "STUDENT"
	RoleCanteen Role = "CANTEEN"
	RoleAdmin   Role = "ADMIN"
)

// User 账号。PasswordHash 为 bcrypt 摘要，永不序列化给客户端。
type User struct {
	ID        string    `gorm:"primaryKey;size:36" bson:"_id" json:"id"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`

	Name      string `gorm:"size:128;not null" bson:"name" json:"name"`
	Email     string `gorm:"size:128;uniqueIndex;not null" bson:"email" json:"email"`
	Role      Role   `gorm:"size:16;not null;index" bson:"role" json:"role"`
	CanteenID string `gorm:"size:36;index" bson:"canteenId,omitempty" json:"canteenId,omitempty"`
	PushToken string `gorm:"size:255" bson:"pushToken,omitempty" json:"-"`

	PasswordHash string `gorm:"size:100" bson:"password,omitempty" json:"-"`
}

func (User) TableName() string { return "users" }

// UserPatch nil 表示不修改。
type UserPatch struct {
	Name         *string
	PasswordHash *string
}

// UserFilter 零值字段不参与过滤。
type UserFilter struct {
	Role      Role
	CanteenID string
}

func (f UserFilter) Match(u *User) bool {
	if f.Role != "" && u.Role != f.Role {
		return false
	}
	if f.CanteenID != "" && u.CanteenID != f.CanteenID {
		return false
	}
	return true
}

// Actor 当前请求的调用方，由认证中间件从 token 中解析。
type Actor struct {
	UserID    string
	Role      Role
	CanteenID string
}

// IsStaff 食堂员工或管理员。
func (a Actor) IsStaff() bool {
	return a.Role == RoleCanteen || a.Role == RoleAdmin
}

// CanManageCanteen 管理员可操作任意食堂，食堂员工只能操作自己的食堂。
func (a Actor) CanManageCanteen(canteenID string) bool {
	switch a.Role {
	case RoleAdmin:
		return true
	case RoleCanteen:
		return a.CanteenID != "" && a.CanteenID == canteenID
	default:
		return false
	}
}
