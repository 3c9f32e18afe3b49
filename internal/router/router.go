package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"canteen_order/internal/apperr"
	"canteen_order/internal/auth"
	"canteen_order/internal/canteen"
	"canteen_order/internal/middleware"
	"canteen_order/internal/model"
	"canteen_order/internal/order"
	"canteen_order/internal/payment"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// 收件箱默认/最大返回条数
const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

const healthTimeout = 2 * time.Second

// Pinger /health 用来检查存储连通性。
type Pinger interface {
	Ping(ctx context.Context) error
}

// NotificationLister 站内通知收件箱的读取接口。
type NotificationLister interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}

// Deps 路由依赖。Redis 为 nil 时下单接口不限流，Health 为 nil 时 /health 不检查存储。
type Deps struct {
	Orders        *order.Service
	Payments      *payment.Service
	Canteens      *canteen.Service
	Accounts      *auth.Accounts
	Notifications NotificationLister
	Tokens        middleware.TokenParser
	Health        Pinger
	Logger        *slog.Logger

	Redis           *rd.Client
	OrderRateLimit  int
	OrderRateWindow time.Duration
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	log := d.Logger
	authn := middleware.Authenticate(d.Tokens)
	staff := middleware.RequireRoles(model.RoleCanteen, model.RoleAdmin)
	student := middleware.RequireRoles(model.RoleStudent)
	admin := middleware.RequireRoles(model.RoleAdmin)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "pong"})
	})
	r.GET("/health", health(d.Health, log))

	// Auth
	accounts := r.Group("/api/auth")
	accounts.POST("/register", register(d.Accounts, log))
	accounts.POST("/login", login(d.Accounts, log))
	accounts.GET("/me", authn, me(d.Accounts, log))
	accounts.PUT("/profile", authn, updateProfile(d.Accounts, log))
	accounts.PUT("/password", authn, changePassword(d.Accounts, log))

	// Orders
	orders := r.Group("/api/orders", authn)
	createChain := []gin.HandlerFunc{student}
	if d.Redis != nil {
		createChain = append(createChain, middleware.RedisRateLimit(d.Redis, d.OrderRateLimit, d.OrderRateWindow))
	}
	createChain = append(createChain, createOrder(d.Orders, log))
	orders.POST("", createChain...)
	orders.GET("/my", myOrders(d.Orders, log))
	orders.GET("/all", admin, allOrders(d.Orders, log))
	orders.GET("/canteen/:canteen_id", staff, canteenOrders(d.Orders, log))
	orders.GET("/canteen/:canteen_id/completed", staff, completedOrders(d.Orders, log))
	orders.GET("/:order_id", getOrder(d.Orders, log))
	orders.POST("/:order_id/accept", staff, staffAction(d.Orders.Accept, log))
	orders.POST("/:order_id/prepare", staff, staffAction(d.Orders.StartPreparing, log))
	orders.POST("/:order_id/ready", staff, staffAction(d.Orders.MarkReady, log))
	orders.POST("/:order_id/complete", staff, completeOrder(d.Orders, log))
	orders.POST("/:order_id/cancel", cancelOrder(d.Orders, log))

	// Payments；网关回调不走用户认证
	r.POST("/api/payments/webhook/paytm", paymentWebhook(d.Payments, log))
	payments := r.Group("/api/payments", authn)
	payments.POST("/initiate", student, initiatePayment(d.Payments, log))
	payments.POST("/:payment_id/confirm", student, confirmPayment(d.Payments, log))
	payments.GET("/order/:order_id", paymentForOrder(d.Payments, log))

	// Canteens
	r.GET("/api/canteens", listCanteens(d.Canteens, log))
	r.GET("/api/canteens/queue", queueAll(d.Canteens, log))
	r.GET("/api/canteens/:canteen_id", getCanteen(d.Canteens, log))
	r.GET("/api/canteens/:canteen_id/queue", queueStatus(d.Canteens, log))
	r.POST("/api/canteens", authn, admin, createCanteen(d.Canteens, log))
	r.PUT("/api/canteens/:canteen_id", authn, staff, updateCanteen(d.Canteens, log))
	r.DELETE("/api/canteens/:canteen_id", authn, admin, deleteCanteen(d.Canteens, log))
	r.POST("/api/canteens/:canteen_id/toggle-open", authn, staff, toggleCanteen(d.Canteens.ToggleOpen, log))
	r.POST("/api/canteens/:canteen_id/toggle-online-orders", authn, staff, toggleCanteen(d.Canteens.ToggleOnlineOrders, log))

	// Menu
	r.GET("/api/menu/canteen/:canteen_id", listMenu(d.Canteens, log))
	r.GET("/api/menu/:item_id", getMenuItem(d.Canteens, log))
	r.POST("/api/menu", authn, staff, createMenuItem(d.Canteens, log))
	r.PUT("/api/menu/:item_id", authn, staff, updateMenuItem(d.Canteens, log))
	r.DELETE("/api/menu/:item_id", authn, staff, deleteMenuItem(d.Canteens, log))
	r.PATCH("/api/menu/:item_id/toggle-availability", authn, staff, toggleMenuItem(d.Canteens, log))

	// Notifications
	r.GET("/api/notifications/my", authn, myNotifications(d.Notifications, log))
}

// ok 统一成功响应。
func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// fail 按错误类别映射状态码；内部错误不向客户端暴露细节。
func fail(c *gin.Context, log *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Any("error", err))
		msg = "internal server error"
	}
	c.JSON(status, gin.H{"success": false, "message": msg})
}

// okMessage 无返回数据的成功响应。
func okMessage(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msg})
}

func actorOf(c *gin.Context) model.Actor {
	actor, _ := middleware.ActorFrom(c)
	return actor
}

// health 存储不可达时返回 503。
func health(db Pinger, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now().UTC()
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				log.Warn("health check failed", slog.Any("error", err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": "store unavailable", "timestamp": now})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "ok", "timestamp": now})
	}
}

func register(svc *auth.Accounts, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in auth.RegisterInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		creds, err := svc.Register(c.Request.Context(), in)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusCreated, creds)
	}
}

func login(svc *auth.Accounts, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		creds, err := svc.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, creds)
	}
}

func me(svc *auth.Accounts, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := svc.Me(c.Request.Context(), actorOf(c))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, u)
	}
}

func updateProfile(svc *auth.Accounts, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name *string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		u, err := svc.UpdateProfile(c.Request.Context(), actorOf(c), req.Name)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, u)
	}
}

func changePassword(svc *auth.Accounts, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		if err := svc.ChangePassword(c.Request.Context(), actorOf(c), req.CurrentPassword, req.NewPassword); err != nil {
			fail(c, log, err)
			return
		}
		okMessage(c, "password updated")
	}
}

// createOrder 下单，meta 中返回排队提示。
func createOrder(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in order.CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		o, hint, err := svc.Create(c.Request.Context(), actorOf(c), in)
		if err != nil {
			fail(c, log, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": o, "meta": hint})
	}
}

func myOrders(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.ListMine(c.Request.Context(), actorOf(c))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func allOrders(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses, err := order.ParseStatuses(c.Query("status"))
		if err != nil {
			fail(c, log, err)
			return
		}
		list, err := svc.ListAll(c.Request.Context(), actorOf(c), statuses)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

// canteenOrders 食堂看板，支持 ?status=PAID,ACCEPTED 过滤。
func canteenOrders(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses, err := order.ParseStatuses(c.Query("status"))
		if err != nil {
			fail(c, log, err)
			return
		}
		list, err := svc.ListForCanteen(c.Request.Context(), actorOf(c), c.Param("canteen_id"), statuses)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func completedOrders(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.Completed(c.Request.Context(), actorOf(c), c.Param("canteen_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, report)
	}
}

func getOrder(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Get(c.Request.Context(), actorOf(c), c.Param("order_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

// staffAction 接单、开始制作、出餐共用：都只需要订单 ID。
func staffAction(step func(context.Context, model.Actor, string) (*model.Order, error), log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := step(c.Request.Context(), actorOf(c), c.Param("order_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

func completeOrder(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			PickupCode string `json:"pickupCode"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.PickupCode == "" {
			badRequest(c, "pickupCode is required")
			return
		}
		o, err := svc.Complete(c.Request.Context(), actorOf(c), c.Param("order_id"), req.PickupCode)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

func cancelOrder(svc *order.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := svc.Cancel(c.Request.Context(), actorOf(c), c.Param("order_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, o)
	}
}

func initiatePayment(svc *payment.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			OrderID string `json:"orderId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		init, err := svc.Initiate(c.Request.Context(), actorOf(c), req.OrderID)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusCreated, init)
	}
}

func confirmPayment(svc *payment.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.Confirm(c.Request.Context(), actorOf(c), c.Param("payment_id"))
		settled(c, log, res, err)
	}
}

func paymentWebhook(svc *payment.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			badRequest(c, "invalid webhook payload")
			return
		}
		res, err := svc.Webhook(c.Request.Context(), payload)
		settled(c, log, res, err)
	}
}

// settled 支付已落定但订单未能推进时返回 409，同时带上支付单供对账。
func settled(c *gin.Context, log *slog.Logger, res *payment.Result, err error) {
	if err != nil {
		if res != nil && errors.Is(err, apperr.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "message": err.Error(), "data": res})
			return
		}
		fail(c, log, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func paymentForOrder(svc *payment.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.GetForOrder(c.Request.Context(), actorOf(c), c.Param("order_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, p)
	}
}

func listCanteens(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.List(c.Request.Context())
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func getCanteen(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ct, err := svc.Get(c.Request.Context(), c.Param("canteen_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, ct)
	}
}

// createCanteen 同时返回自动开通的员工账号、初始密码与令牌。
func createCanteen(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		in := canteen.CreateInput{MaxBulkSize: model.DefaultMaxBulkSize}
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		ct, creds, err := svc.Create(c.Request.Context(), actorOf(c), in)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusCreated, gin.H{"canteen": ct, "staff": creds})
	}
}

func updateCanteen(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in canteen.UpdateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		ct, err := svc.Update(c.Request.Context(), actorOf(c), c.Param("canteen_id"), in)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, ct)
	}
}

func deleteCanteen(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Delete(c.Request.Context(), actorOf(c), c.Param("canteen_id")); err != nil {
			fail(c, log, err)
			return
		}
		okMessage(c, "canteen deleted")
	}
}

func toggleCanteen(flip func(context.Context, model.Actor, string) (*model.Canteen, error), log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ct, err := flip(c.Request.Context(), actorOf(c), c.Param("canteen_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, ct)
	}
}

func queueStatus(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := svc.Queue(c.Request.Context(), c.Param("canteen_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, q)
	}
}

func queueAll(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.QueueAll(c.Request.Context())
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func listMenu(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := svc.ListMenu(c.Request.Context(), c.Param("canteen_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}

func getMenuItem(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		it, err := svc.GetMenuItem(c.Request.Context(), c.Param("item_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, it)
	}
}

func createMenuItem(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in canteen.MenuItemInput
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		it, err := svc.CreateMenuItem(c.Request.Context(), actorOf(c), in)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusCreated, it)
	}
}

func updateMenuItem(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in canteen.MenuItemUpdate
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
		it, err := svc.UpdateMenuItem(c.Request.Context(), actorOf(c), c.Param("item_id"), in)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, it)
	}
}

func deleteMenuItem(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteMenuItem(c.Request.Context(), actorOf(c), c.Param("item_id")); err != nil {
			fail(c, log, err)
			return
		}
		okMessage(c, "menu item deleted")
	}
}

func toggleMenuItem(svc *canteen.Service, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		it, err := svc.ToggleAvailability(c.Request.Context(), actorOf(c), c.Param("item_id"))
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, it)
	}
}

// myNotifications 按时间倒序，?limit= 默认 50，最多 200。
func myNotifications(inbox NotificationLister, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultInboxLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				badRequest(c, "limit must be a positive integer")
				return
			}
			limit = min(n, maxInboxLimit)
		}
		list, err := inbox.ListNotifications(c.Request.Context(), actorOf(c).UserID, limit)
		if err != nil {
			fail(c, log, err)
			return
		}
		ok(c, http.StatusOK, list)
	}
}
