package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"canteen_order/internal/apperr"
	"canteen_order/internal/model"
	"canteen_order/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	minPasswordLen = 6
	// bcrypt 只处理前 72 字节
	maxPasswordLen = 72
	// 系统代为生成的初始密码长度
	generatedPasswordLen = 12
)

// AccountStore 账号读写所需的存储能力。
type AccountStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateUser(ctx context.Context, id string, patch model.UserPatch) (*model.User, error)
}

// Credentials 登录态。Password 只在系统代为生成初始密码时出现。
type Credentials struct {
	User     *model.User `json:"user"`
	Token    string      `json:"token"`
	Password string      `json:"password,omitempty"`
}

// Accounts 注册、登录与个人资料维护。密码以 bcrypt 摘要存储。
type Accounts struct {
	store  AccountStore
	issuer *Issuer
	logger *slog.Logger
	cost   int
}

// NewAccounts cost 为 0 时使用 bcrypt.DefaultCost。
func NewAccounts(st AccountStore, issuer *Issuer, logger *slog.Logger, cost int) *Accounts {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Accounts{store: st, issuer: issuer, logger: logger, cost: cost}
}

type RegisterInput struct {
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     model.Role `json:"role"`
}

// Register 只允许学生自助注册，其他角色由管理员开通。
func (a *Accounts) Register(ctx context.Context, in RegisterInput) (*Credentials, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}
	if in.Role != "" && in.Role != model.RoleStudent {
		return nil, apperr.Validation("only students can register, contact an administrator for other roles")
	}

	if _, err := a.store.GetUserByEmail(ctx, email); err == nil {
		return nil, apperr.Validation("user already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup user %s: %w", email, err)
	}

	hash, err := a.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &model.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		Role:         model.RoleStudent,
		PasswordHash: hash,
	}
	if err := a.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Validation("user already exists")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	a.logger.Info("user registered", slog.String("user_id", u.ID), slog.String("role", string(u.Role)))
	return a.credentials(u, "")
}

// Login 邮箱不存在与密码错误返回同一条信息。
func (a *Accounts) Login(ctx context.Context, email, password string) (*Credentials, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperr.Validation("password is required")
	}
	u, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Unauthorized("invalid credentials")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", email, err)
	}
	if !a.matches(u, password) {
		return nil, apperr.Unauthorized("invalid credentials")
	}
	return a.credentials(u, "")
}

func (a *Accounts) Me(ctx context.Context, actor model.Actor) (*model.User, error) {
	u, err := a.store.GetUser(ctx, actor.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", actor.UserID, err)
	}
	return u, nil
}

// UpdateProfile 目前只允许修改姓名；name 为 nil 时原样返回。
func (a *Accounts) UpdateProfile(ctx context.Context, actor model.Actor, name *string) (*model.User, error) {
	if name == nil {
		return a.Me(ctx, actor)
	}
	trimmed := strings.TrimSpace(*name)
	if trimmed == "" {
		return nil, apperr.Validation("name cannot be empty")
	}
	u, err := a.store.UpdateUser(ctx, actor.UserID, model.UserPatch{Name: &trimmed})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("update user %s: %w", actor.UserID, err)
	}
	return u, nil
}

func (a *Accounts) ChangePassword(ctx context.Context, actor model.Actor, current, next string) error {
	if current == "" {
		return apperr.Validation("current password is required")
	}
	if err := checkPassword(next); err != nil {
		return err
	}
	u, err := a.Me(ctx, actor)
	if err != nil {
		return err
	}
	if !a.matches(u, current) {
		return apperr.Unauthorized("current password is incorrect")
	}
	hash, err := a.HashPassword(next)
	if err != nil {
		return err
	}
	if _, err := a.store.UpdateUser(ctx, u.ID, model.UserPatch{PasswordHash: &hash}); err != nil {
		return fmt.Errorf("update password of %s: %w", u.ID, err)
	}
	a.logger.Info("password changed", slog.String("user_id", u.ID))
	return nil
}

// Provision 为管理员开通的账号生成初始密码并落库，返回的凭据里带明文密码，仅此一次。
func (a *Accounts) Provision(ctx context.Context, u *model.User) (*Credentials, error) {
	password := strings.ReplaceAll(uuid.NewString(), "-", "")[:generatedPasswordLen]
	hash, err := a.HashPassword(password)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash
	if err := a.store.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user %s: %w", u.Email, err)
	}
	return a.credentials(u, password)
}

func (a *Accounts) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func (a *Accounts) matches(u *model.User, password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func (a *Accounts) credentials(u *model.User, password string) (*Credentials, error) {
	token, err := a.issuer.Issue(u)
	if err != nil {
		return nil, err
	}
	return &Credentials{User: u, Token: token, Password: password}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("please provide a valid email")
	}
	return email, nil
}

func checkPassword(p string) error {
	if len(p) < minPasswordLen {
		return apperr.Validation("password must be at least %d characters", minPasswordLen)
	}
	if len(p) > maxPasswordLen {
		return apperr.Validation("password must be at most %d bytes", maxPasswordLen)
	}
	return nil
}
