package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"canteen_order/internal/model"

	"github.com/shopspring/decimal"
)

// Memory 进程内实现：本地开发与单元测试使用。
// 所有读写都在同一把锁下完成，返回值一律是副本。
type Memory struct {
	mu sync.RWMutex

	orders        map[string]*model.Order
	pickupCodes   map[string]string // code -> order id
	payments      map[string]*model.Payment
	txIDs         map[string]string // transaction id -> payment id
	canteens      map[string]*model.Canteen
	menuItems     map[string]*model.MenuItem
	users         map[string]*model.User
	notifications map[string]*model.Notification

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		orders:        make(map[string]*model.Order),
		pickupCodes:   make(map[string]string),
		payments:      make(map[string]*model.Payment),
		txIDs:         make(map[string]string),
		canteens:      make(map[string]*model.Canteen),
		menuItems:     make(map[string]*model.MenuItem),
		users:         make(map[string]*model.User),
		notifications: make(map[string]*model.Notification),
		now:           time.Now,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateOrder(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrDuplicate
	}
	if o.PickupCode != nil {
		if _, taken := m.pickupCodes[*o.PickupCode]; taken {
			return ErrDuplicate
		}
		m.pickupCodes[*o.PickupCode] = o.ID
	}
	stamp(&o.CreatedAt, &o.UpdatedAt, m.now())
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Order, 0)
	for _, o := range m.orders {
		if f.Match(o) {
			out = append(out, *o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountOrders(_ context.Context, f model.OrderFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, o := range m.orders {
		if f.Match(o) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateOrderIfStatus(_ context.Context, id string, expected model.OrderStatus, patch model.OrderPatch) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != expected {
		return nil, ErrConflict
	}
	if patch.PickupCode != nil {
		if owner, taken := m.pickupCodes[*patch.PickupCode]; taken && owner != id {
			return nil, ErrDuplicate
		}
	}

	next := o.Clone()
	next.Status = patch.Status
	if patch.PickupCode != nil {
		if next.PickupCode != nil {
			delete(m.pickupCodes, *next.PickupCode)
		}
		code := *patch.PickupCode
		next.PickupCode = &code
		m.pickupCodes[code] = id
	}
	if patch.PickupCodeUsed != nil {
		next.PickupCodeUsed = *patch.PickupCodeUsed
	}
	if patch.CancelledBy != nil {
		next.CancelledBy = *patch.CancelledBy
	}
	next.UpdatedAt = m.now()
	m.orders[id] = next
	return next.Clone(), nil
}

func (m *Memory) SumOrderAmount(_ context.Context, f model.OrderFilter) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, o := range m.orders {
		if f.Match(o) {
			total = total.Add(o.TotalAmount)
		}
	}
	return total, nil
}

func (m *Memory) CreatePayment(_ context.Context, p *model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicate
	}
	active := model.PaymentFilter{OrderID: p.OrderID, Statuses: model.ActivePaymentStatuses}
	for _, existing := range m.payments {
		if active.Match(existing) {
			return ErrConflict
		}
	}
	if p.TransactionID != nil {
		if _, taken := m.txIDs[*p.TransactionID]; taken {
			return ErrDuplicate
		}
		m.txIDs[*p.TransactionID] = p.ID
	}
	stamp(&p.CreatedAt, &p.UpdatedAt, m.now())
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (*model.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) FindPayment(_ context.Context, f model.PaymentFilter) (*model.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.Payment
	for _, p := range m.payments {
		if !f.Match(p) {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (m *Memory) UpdatePaymentIfStatus(_ context.Context, id string, expected model.PaymentStatus, patch model.PaymentPatch) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != expected {
		return nil, ErrConflict
	}
	if patch.TransactionID != "" {
		if owner, taken := m.txIDs[patch.TransactionID]; taken && owner != id {
			return nil, ErrDuplicate
		}
	}

	next := p.Clone()
	next.Status = patch.Status
	if patch.TransactionID != "" {
		tx := patch.TransactionID
		next.TransactionID = &tx
		m.txIDs[tx] = id
	}
	if patch.PaymentDetails != nil {
		next.PaymentDetails = patch.PaymentDetails.Clone()
	}
	next.UpdatedAt = m.now()
	m.payments[id] = next
	return next.Clone(), nil
}

func (m *Memory) CreateCanteen(_ context.Context, c *model.Canteen) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.canteens[c.ID]; ok {
		return ErrDuplicate
	}
	stamp(&c.CreatedAt, &c.UpdatedAt, m.now())
	cp := *c
	m.canteens[c.ID] = &cp
	return nil
}

func (m *Memory) GetCanteen(_ context.Context, id string) (*model.Canteen, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.canteens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListCanteens(_ context.Context) ([]model.Canteen, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Canteen, 0, len(m.canteens))
	for _, c := range m.canteens {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateCanteen(_ context.Context, id string, patch model.CanteenPatch) (*model.Canteen, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.canteens[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		c.Name = *patch.Name
	}
	if patch.Location != nil {
		c.Location = *patch.Location
	}
	if patch.MaxBulkSize != nil {
		c.MaxBulkSize = *patch.MaxBulkSize
	}
	if patch.IsOpen != nil {
		c.IsOpen = *patch.IsOpen
	}
	if patch.IsOnlineOrdersEnabled != nil {
		c.IsOnlineOrdersEnabled = *patch.IsOnlineOrdersEnabled
	}
	c.UpdatedAt = m.now()
	cp := *c
	return &cp, nil
}

func (m *Memory) DeleteCanteen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.canteens[id]; !ok {
		return ErrNotFound
	}
	delete(m.canteens, id)
	for itemID, it := range m.menuItems {
		if it.CanteenID == id {
			delete(m.menuItems, itemID)
		}
	}
	return nil
}

func (m *Memory) CreateMenuItem(_ context.Context, it *model.MenuItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.menuItems[it.ID]; ok {
		return ErrDuplicate
	}
	stamp(&it.CreatedAt, &it.UpdatedAt, m.now())
	cp := *it
	m.menuItems[it.ID] = &cp
	return nil
}

func (m *Memory) GetMenuItem(_ context.Context, id string) (*model.MenuItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.menuItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

func (m *Memory) ListMenuItems(_ context.Context, canteenID string) ([]model.MenuItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.MenuItem, 0)
	for _, it := range m.menuItems {
		if it.CanteenID == canteenID {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) UpdateMenuItem(_ context.Context, id string, patch model.MenuItemPatch) (*model.MenuItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.menuItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		it.Name = *patch.Name
	}
	if patch.Price != nil {
		it.Price = *patch.Price
	}
	if patch.IsVeg != nil {
		it.IsVeg = *patch.IsVeg
	}
	if patch.IsAvailable != nil {
		it.IsAvailable = *patch.IsAvailable
	}
	it.UpdatedAt = m.now()
	cp := *it
	return &cp, nil
}

func (m *Memory) DeleteMenuItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.menuItems[id]; !ok {
		return ErrNotFound
	}
	delete(m.menuItems, id)
	return nil
}

func (m *Memory) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicate
		}
	}
	stamp(&u.CreatedAt, &u.UpdatedAt, m.now())
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateUser(_ context.Context, id string, patch model.UserPatch) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.PasswordHash != nil {
		u.PasswordHash = *patch.PasswordHash
	}
	u.UpdatedAt = m.now()
	cp := *u
	return &cp, nil
}

func (m *Memory) ListUsers(_ context.Context, f model.UserFilter) ([]model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.User, 0)
	for _, u := range m.users {
		if f.Match(u) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveNotification(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; ok {
		return ErrDuplicate
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	cp := *n
	cp.Data = n.Data.Clone()
	m.notifications[n.ID] = &cp
	return nil
}

func (m *Memory) ListNotifications(_ context.Context, userID string, limit int) ([]model.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Notification, 0)
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
