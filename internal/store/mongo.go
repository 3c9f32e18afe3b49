package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"canteen_order/internal/model"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo 文档库实现，集合：orders / payments / canteens / menuitems / users / notifications。
type Mongo struct {
	client *mongo.Client

	orders        *mongo.Collection
	payments      *mongo.Collection
	canteens      *mongo.Collection
	menuItems     *mongo.Collection
	users         *mongo.Collection
	notifications *mongo.Collection

	now func() time.Time
}

// OpenMongo 连接并建索引。
func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	opts := options.Client().ApplyURI(uri).SetRegistry(newRegistry())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:        client,
		orders:        db.Collection("orders"),
		payments:      db.Collection("payments"),
		canteens:      db.Collection("canteens"),
		menuItems:     db.Collection("menuitems"),
		users:         db.Collection("users"),
		notifications: db.Collection("notifications"),
		now:           utcNow,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	// 仅对字符串值建唯一约束，未分配取餐码/交易号的文档不参与。
	onlyStrings := func(field string) *options.IndexOptions {
		return options.Index().SetUnique(true).
			SetPartialFilterExpression(bson.M{field: bson.M{"$type": "string"}})
	}
	if _, err := m.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pickupCode", Value: 1}}, Options: onlyStrings("pickupCode")},
		{Keys: bson.D{{Key: "canteenId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("orders indexes: %w", err)
	}
	if _, err := m.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transactionId", Value: 1}}, Options: onlyStrings("transactionId")},
		{Keys: bson.D{{Key: "orderId", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "activeOrderId", Value: 1}}, Options: onlyStrings("activeOrderId").SetName(activePaymentIndex)},
	}); err != nil {
		return fmt.Errorf("payments indexes: %w", err)
	}
	if _, err := m.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("users indexes: %w", err)
	}
	return nil
}

func translateMongo(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter any, opts ...*options.FindOneOptions) (*T, error) {
	var out T
	if err := coll.FindOne(ctx, filter, opts...).Decode(&out); err != nil {
		return nil, translateMongo(err)
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter any, opts ...*options.FindOptions) ([]T, error) {
	cur, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make([]T, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func orderQuery(f model.OrderFilter) bson.M {
	q := bson.M{}
	if f.UserID != "" {
		q["userId"] = f.UserID
	}
	if f.CanteenID != "" {
		q["canteenId"] = f.CanteenID
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	if !f.CreatedSince.IsZero() {
		q["createdAt"] = bson.M{"$gte": f.CreatedSince}
	}
	updated := bson.M{}
	if !f.UpdatedSince.IsZero() {
		updated["$gte"] = f.UpdatedSince
	}
	if !f.UpdatedUntil.IsZero() {
		updated["$lte"] = f.UpdatedUntil
	}
	if len(updated) > 0 {
		q["updatedAt"] = updated
	}
	return q
}

func (m *Mongo) CreateOrder(ctx context.Context, o *model.Order) error {
	stamp(&o.CreatedAt, &o.UpdatedAt, m.now())
	_, err := m.orders.InsertOne(ctx, o)
	return translateMongo(err)
}

func (m *Mongo) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return findOne[model.Order](ctx, m.orders, bson.M{"_id": id})
}

func (m *Mongo) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return findAll[model.Order](ctx, m.orders, orderQuery(f), opts)
}

func (m *Mongo) CountOrders(ctx context.Context, f model.OrderFilter) (int64, error) {
	return m.orders.CountDocuments(ctx, orderQuery(f))
}

func (m *Mongo) UpdateOrderIfStatus(ctx context.Context, id string, expected model.OrderStatus, patch model.OrderPatch) (*model.Order, error) {
	set := bson.M{"status": patch.Status, "updatedAt": m.now()}
	if patch.PickupCode != nil {
		set["pickupCode"] = *patch.PickupCode
	}
	if patch.PickupCodeUsed != nil {
		set["pickupCodeUsed"] = *patch.PickupCodeUsed
	}
	if patch.CancelledBy != nil {
		set["cancelledBy"] = *patch.CancelledBy
	}

	var o model.Order
	err := m.orders.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": expected},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetOrder(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, translateMongo(err)
	}
	return &o, nil
}

func (m *Mongo) SumOrderAmount(ctx context.Context, f model.OrderFilter) (decimal.Decimal, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: orderQuery(f)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$totalAmount"}}},
		}}},
	}
	cur, err := m.orders.Aggregate(ctx, pipeline)
	if err != nil {
		return decimal.Zero, err
	}
	defer cur.Close(ctx)

	var rows []struct {
		Total decimal.Decimal `bson:"total"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, nil
	}
	return rows[0].Total, nil
}

// activePaymentIndex 每个订单至多一笔活动支付：活动状态的文档带 activeOrderId，落定为失败时移除。
const activePaymentIndex = "one_active_payment_per_order"

type paymentDoc struct {
	model.Payment `bson:",inline"`

	ActiveOrderID string `bson:"activeOrderId,omitempty"`
}

func (m *Mongo) CreatePayment(ctx context.Context, p *model.Payment) error {
	stamp(&p.CreatedAt, &p.UpdatedAt, m.now())
	doc := paymentDoc{Payment: *p}
	if p.Status.Active() {
		doc.ActiveOrderID = p.OrderID
	}
	_, err := m.payments.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) && strings.Contains(err.Error(), activePaymentIndex) {
		return ErrConflict
	}
	return translateMongo(err)
}

func (m *Mongo) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return findOne[model.Payment](ctx, m.payments, bson.M{"_id": id})
}

func (m *Mongo) FindPayment(ctx context.Context, f model.PaymentFilter) (*model.Payment, error) {
	q := bson.M{}
	if f.OrderID != "" {
		q["orderId"] = f.OrderID
	}
	if len(f.Statuses) > 0 {
		q["status"] = bson.M{"$in": f.Statuses}
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return findOne[model.Payment](ctx, m.payments, q, opts)
}

func (m *Mongo) UpdatePaymentIfStatus(ctx context.Context, id string, expected model.PaymentStatus, patch model.PaymentPatch) (*model.Payment, error) {
	set := bson.M{"status": patch.Status, "updatedAt": m.now()}
	if patch.TransactionID != "" {
		set["transactionId"] = patch.TransactionID
	}
	if patch.PaymentDetails != nil {
		set["paymentDetails"] = patch.PaymentDetails
	}

	update := bson.M{"$set": set}
	if !patch.Status.Active() {
		update["$unset"] = bson.M{"activeOrderId": ""}
	}

	var p model.Payment
	err := m.payments.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": expected},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetPayment(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, translateMongo(err)
	}
	return &p, nil
}

func (m *Mongo) CreateCanteen(ctx context.Context, c *model.Canteen) error {
	stamp(&c.CreatedAt, &c.UpdatedAt, m.now())
	_, err := m.canteens.InsertOne(ctx, c)
	return translateMongo(err)
}

func (m *Mongo) GetCanteen(ctx context.Context, id string) (*model.Canteen, error) {
	return findOne[model.Canteen](ctx, m.canteens, bson.M{"_id": id})
}

func (m *Mongo) ListCanteens(ctx context.Context) ([]model.Canteen, error) {
	return findAll[model.Canteen](ctx, m.canteens, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
}

func (m *Mongo) UpdateCanteen(ctx context.Context, id string, patch model.CanteenPatch) (*model.Canteen, error) {
	set := bson.M{"updatedAt": m.now()}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.Location != nil {
		set["location"] = *patch.Location
	}
	if patch.MaxBulkSize != nil {
		set["maxBulkSize"] = *patch.MaxBulkSize
	}
	if patch.IsOpen != nil {
		set["isOpen"] = *patch.IsOpen
	}
	if patch.IsOnlineOrdersEnabled != nil {
		set["isOnlineOrdersEnabled"] = *patch.IsOnlineOrdersEnabled
	}
	var c model.Canteen
	err := m.canteens.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&c)
	if err != nil {
		return nil, translateMongo(err)
	}
	return &c, nil
}

func (m *Mongo) DeleteCanteen(ctx context.Context, id string) error {
	res, err := m.canteens.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	_, err = m.menuItems.DeleteMany(ctx, bson.M{"canteenId": id})
	return err
}

func (m *Mongo) CreateMenuItem(ctx context.Context, it *model.MenuItem) error {
	stamp(&it.CreatedAt, &it.UpdatedAt, m.now())
	_, err := m.menuItems.InsertOne(ctx, it)
	return translateMongo(err)
}

func (m *Mongo) GetMenuItem(ctx context.Context, id string) (*model.MenuItem, error) {
	return findOne[model.MenuItem](ctx, m.menuItems, bson.M{"_id": id})
}

func (m *Mongo) ListMenuItems(ctx context.Context, canteenID string) ([]model.MenuItem, error) {
	return findAll[model.MenuItem](ctx, m.menuItems, bson.M{"canteenId": canteenID},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
}

func (m *Mongo) UpdateMenuItem(ctx context.Context, id string, patch model.MenuItemPatch) (*model.MenuItem, error) {
	set := bson.M{"updatedAt": m.now()}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.Price != nil {
		set["price"] = *patch.Price
	}
	if patch.IsVeg != nil {
		set["isVeg"] = *patch.IsVeg
	}
	if patch.IsAvailable != nil {
		set["isAvailable"] = *patch.IsAvailable
	}
	var it model.MenuItem
	err := m.menuItems.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&it)
	if err != nil {
		return nil, translateMongo(err)
	}
	return &it, nil
}

func (m *Mongo) DeleteMenuItem(ctx context.Context, id string) error {
	res, err := m.menuItems.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) CreateUser(ctx context.Context, u *model.User) error {
	stamp(&u.CreatedAt, &u.UpdatedAt, m.now())
	_, err := m.users.InsertOne(ctx, u)
	return translateMongo(err)
}

func (m *Mongo) GetUser(ctx context.Context, id string) (*model.User, error) {
	return findOne[model.User](ctx, m.users, bson.M{"_id": id})
}

func (m *Mongo) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return findOne[model.User](ctx, m.users, bson.M{"email": email})
}

func (m *Mongo) UpdateUser(ctx context.Context, id string, patch model.UserPatch) (*model.User, error) {
	set := bson.M{"updatedAt": m.now()}
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.PasswordHash != nil {
		set["password"] = *patch.PasswordHash
	}
	var u model.User
	err := m.users.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&u)
	if err != nil {
		return nil, translateMongo(err)
	}
	return &u, nil
}

func (m *Mongo) ListUsers(ctx context.Context, f model.UserFilter) ([]model.User, error) {
	q := bson.M{}
	if f.Role != "" {
		q["role"] = f.Role
	}
	if f.CanteenID != "" {
		q["canteenId"] = f.CanteenID
	}
	return findAll[model.User](ctx, m.users, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (m *Mongo) SaveNotification(ctx context.Context, n *model.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}
	_, err := m.notifications.InsertOne(ctx, n)
	return translateMongo(err)
}

func (m *Mongo) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findAll[model.Notification](ctx, m.notifications, bson.M{"userId": userID}, opts)
}

var (
	tDecimal = reflect.TypeOf(decimal.Decimal{})
	tScalar  = reflect.TypeOf(model.Scalar{})
)

// newRegistry 注册 decimal（存 Decimal128，聚合 $sum 可用）与 Scalar 的编解码。
func newRegistry() *bsoncodec.Registry {
	reg := bson.NewRegistry()
	reg.RegisterTypeEncoder(tDecimal, bsoncodec.ValueEncoderFunc(encodeDecimal))
	reg.RegisterTypeDecoder(tDecimal, bsoncodec.ValueDecoderFunc(decodeDecimal))
	reg.RegisterTypeEncoder(tScalar, bsoncodec.ValueEncoderFunc(encodeScalar))
	reg.RegisterTypeDecoder(tScalar, bsoncodec.ValueDecoderFunc(decodeScalar))
	return reg
}

func encodeDecimal(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if val.Type() != tDecimal {
		return bsoncodec.ValueEncoderError{Name: "DecimalEncodeValue", Types: []reflect.Type{tDecimal}, Received: val}
	}
	d := val.Interface().(decimal.Decimal)
	d128, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return err
	}
	return vw.WriteDecimal128(d128)
}

func decodeDecimal(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != tDecimal {
		return bsoncodec.ValueDecoderError{Name: "DecimalDecodeValue", Types: []reflect.Type{tDecimal}, Received: val}
	}
	var d decimal.Decimal
	switch vr.Type() {
	case bsontype.Decimal128:
		d128, err := vr.ReadDecimal128()
		if err != nil {
			return err
		}
		parsed, err := decimal.NewFromString(d128.String())
		if err != nil {
			return err
		}
		d = parsed
	case bsontype.Double:
		f, err := vr.ReadDouble()
		if err != nil {
			return err
		}
		d = decimal.NewFromFloat(f)
	case bsontype.Int32:
		i, err := vr.ReadInt32()
		if err != nil {
			return err
		}
		d = decimal.NewFromInt32(i)
	case bsontype.Int64:
		i, err := vr.ReadInt64()
		if err != nil {
			return err
		}
		d = decimal.NewFromInt(i)
	case bsontype.String:
		s, err := vr.ReadString()
		if err != nil {
			return err
		}
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		d = parsed
	case bsontype.Null:
		if err := vr.ReadNull(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot decode %v into decimal", vr.Type())
	}
	val.Set(reflect.ValueOf(d))
	return nil
}

func encodeScalar(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if val.Type() != tScalar {
		return bsoncodec.ValueEncoderError{Name: "ScalarEncodeValue", Types: []reflect.Type{tScalar}, Received: val}
	}
	v := val.Interface().(model.Scalar)
	switch v.Kind() {
	case model.KindString:
		s, _ := v.AsString()
		return vw.WriteString(s)
	case model.KindNumber:
		n, _ := v.AsNumber()
		return vw.WriteDouble(n)
	case model.KindBool:
		b, _ := v.AsBool()
		return vw.WriteBoolean(b)
	default:
		return vw.WriteNull()
	}
}

func decodeScalar(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != tScalar {
		return bsoncodec.ValueDecoderError{Name: "ScalarDecodeValue", Types: []reflect.Type{tScalar}, Received: val}
	}
	var v model.Scalar
	switch vr.Type() {
	case bsontype.String:
		s, err := vr.ReadString()
		if err != nil {
			return err
		}
		v = model.String(s)
	case bsontype.Double:
		f, err := vr.ReadDouble()
		if err != nil {
			return err
		}
		v = model.Number(f)
	case bsontype.Int32:
		i, err := vr.ReadInt32()
		if err != nil {
			return err
		}
		v = model.Number(float64(i))
	case bsontype.Int64:
		i, err := vr.ReadInt64()
		if err != nil {
			return err
		}
		v = model.Number(float64(i))
	case bsontype.Boolean:
		b, err := vr.ReadBoolean()
		if err != nil {
			return err
		}
		v = model.Bool(b)
	case bsontype.Null:
		if err := vr.ReadNull(); err != nil {
			return err
		}
	default:
		if err := vr.Skip(); err != nil {
			return err
		}
	}
	val.Set(reflect.ValueOf(v))
	return nil
}
