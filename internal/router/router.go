package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout/internal/config"
	"checkout/internal/dlq"
	"checkout/internal/middleware"
	"checkout/internal/model"
	"checkout/internal/outbox"
	"checkout/internal/saga"
	rediskey "checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// locker / stateStore 抽出小接口，handler 测试时可替换为内存假件。
type locker interface {
	TryAcquire(ctx context.Context, key string, lease, wait time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type stateStore interface {
	Put(ctx context.Context, requestID, status, orderNo, reason string) error
	Get(ctx context.Context, requestID string) (rediskey.RequestState, bool, error)
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, db *gorm.DB, rdb *rd.Client, orch *saga.Orchestrator,
	poller *outbox.Poller, dlqStore *dlq.Store, cfg config.AppConfig) {

	lock := rediskey.NewLock(rdb)
	states := rediskey.NewStateStore(rdb, cfg.RequestStateTTL)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// Products（建档用）
	r.GET("/api/products", listProducts(db))
	r.POST("/api/products", createProduct(db))
	r.POST("/api/products/:id/options", addOption(db))

	// Checkout
	r.POST("/api/checkout",
		middleware.RedisRateLimit(rdb, cfg.CheckoutRateLimit, cfg.CheckoutRateWindow),
		checkout(orch, lock, states, cfg))
	r.GET("/api/checkout/result/:request_id", getResult(db, states))
	r.GET("/api/orders/:order_no", getOrder(db))

	// 运营接口：补偿死信与 outbox 重试
	admin := r.Group("/api/admin", adminAuth(cfg.AdminToken))
	admin.GET("/compensations", listAllFailed(dlqStore))
	admin.GET("/compensations/:order_no", listFailed(dlqStore))
	admin.POST("/compensations/:order_no/resolve", resolveFailed(dlqStore))
	admin.POST("/outbox/:message_id/retry", retryOutbox(poller))
}

// adminAuth 简单管理员令牌校验，避免运营接口被任意调用。
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		c.Next()
	}
}

// checkout 下单入口。
// 关键流程：
// 1. 参数校验，request_id 缺省时服务端生成
// 2. 按用户抢分布式锁（有界等待，抢不到按普通失败返回）
// 3. 写 request 状态 pending
// 4. 执行 saga，按错误类别映射响应
func checkout(orch *saga.Orchestrator, lock locker, states stateStore, cfg config.AppConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RequestID string `json:"request_id"`
			UserID    int64  `json:"user_id" binding:"required,min=1"`
			Items     []struct {
				ProductID uint `json:"product_id" binding:"required,min=1"`
				OptionID  uint `json:"option_id" binding:"required,min=1"`
				Quantity  int  `json:"quantity" binding:"required,min=1"`
			} `json:"items" binding:"required,min=1,dive"`
			CouponID    *uint `json:"coupon_id"`
			FinalAmount int64 `json:"final_amount" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.RequestID == "" {
			req.RequestID = uuid.New().String()
		}

		ctx := c.Request.Context()

		// 同一用户的并发下单串行化，锁等待超时当普通失败处理
		key := rediskey.CheckoutLockKey(req.UserID)
		token, ok, err := lock.TryAcquire(ctx, key, cfg.CheckoutLockLease, cfg.CheckoutLockWait)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "已有进行中的下单请求，请稍后再试"})
			return
		}
		defer func() {
			_ = lock.Release(context.WithoutCancel(ctx), key, token)
		}()

		_ = states.Put(ctx, req.RequestID, rediskey.RequestPending, "", "")

		cmd := saga.CheckoutCommand{
			RequestID:   req.RequestID,
			UserID:      req.UserID,
			CouponID:    req.CouponID,
			FinalAmount: req.FinalAmount,
		}
		for _, it := range req.Items {
			cmd.Items = append(cmd.Items, saga.ItemRequest{
				ProductID: it.ProductID,
				OptionID:  it.OptionID,
				Quantity:  it.Quantity,
			})
		}

		result, err := orch.CreateOrderWithPayment(ctx, cmd)
		if err != nil {
			var se *saga.StepError
			if errors.As(err, &se) && se.Code == saga.CodeRequestInFlight {
				// 另一次相同请求正在处理：它的 request 状态不能被这里覆盖
				c.JSON(http.StatusConflict, gin.H{
					"code": 409, "msg": "该请求正在处理中，请稍后查询结果",
					"data": gin.H{"request_id": req.RequestID},
				})
				return
			}
			_ = states.Put(ctx, req.RequestID, rediskey.RequestFailed, "", err.Error())

			if errors.As(err, &se) {
				c.JSON(http.StatusBadRequest, gin.H{
					"code": 400, "msg": se.Message,
					"data": gin.H{"error_code": se.Code, "request_id": req.RequestID},
				})
				return
			}
			var halted *saga.CompensationHaltedError
			if errors.As(err, &halted) {
				// 部分补偿被有意搁置，运营需介入；对外仍是单一失败
				c.JSON(http.StatusInternalServerError, gin.H{
					"code": 500, "msg": "下单失败，请联系客服",
					"data": gin.H{"request_id": req.RequestID},
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}

		_ = states.Put(ctx, req.RequestID, rediskey.RequestSuccess, result.OrderNo, "")
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"request_id": req.RequestID,
				"order_no":   result.OrderNo,
				"subtotal":   result.Subtotal,
				"discount":   result.Discount,
				"amount":     result.Amount,
			},
		})
	}
}

// getResult 查询 request_id 的处理结果：优先走 Redis 状态，过期则回源订单表。
func getResult(db *gorm.DB, states stateStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.Param("request_id")
		if reqID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "request_id 必填"})
			return
		}

		state, found, err := states.Get(c.Request.Context(), reqID)
		if err == nil && found {
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
				"request_id": reqID,
				"status":     state.Status,
				"order_no":   state.OrderNo,
				"reason":     state.Reason,
			}})
			return
		}

		var order model.Order
		err = db.Where("request_id = ?", reqID).First(&order).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "request_id 不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"request_id": reqID,
			"status":     rediskey.RequestSuccess,
			"order_no":   order.OrderNo,
		}})
	}
}

// getOrder 按订单号查询订单（含行项目）。
func getOrder(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderNo := c.Param("order_no")
		var order model.Order
		err := db.Preload("Items").Where("order_no = ?", orderNo).First(&order).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "订单不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": order})
	}
}

// listProducts 查询商品与规格列表。
func listProducts(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []model.Product
		if err := db.Preload("Options").Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// createProduct 创建商品与规格。
func createProduct(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name    string `json:"name" binding:"required"`
			Options []struct {
				Name  string `json:"name" binding:"required"`
				Price int64  `json:"price" binding:"required,min=1"`
				Stock int64  `json:"stock" binding:"min=0"`
			} `json:"options" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		p := &model.Product{Name: req.Name}
		for _, o := range req.Options {
			p.Options = append(p.Options, model.ProductOption{
				Name:  o.Name,
				Price: o.Price,
				Stock: o.Stock,
			})
		}
		if err := db.Create(p).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": p})
	}
}

// addOption 给已有商品追加规格。
func addOption(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		productID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品 id 非法"})
			return
		}
		var req struct {
			Name  string `json:"name" binding:"required"`
			Price int64  `json:"price" binding:"required,min=1"`
			Stock int64  `json:"stock" binding:"min=0"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		var p model.Product
		if err := db.First(&p, productID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "商品不存在"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		opt := model.ProductOption{
			ProductID: p.ID,
			Name:      req.Name,
			Price:     req.Price,
			Stock:     req.Stock,
		}
		if err := db.Create(&opt).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": opt})
	}
}

// listAllFailed 全量待处理补偿失败记录。
func listAllFailed(store *dlq.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := store.GetAllFailed(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// listFailed 某订单的待处理补偿失败记录。
func listFailed(store *dlq.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := store.GetFailed(c.Request.Context(), c.Param("order_no"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// resolveFailed 运营确认该订单的失败补偿已人工对账完成。
func resolveFailed(store *dlq.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := store.MarkResolved(c.Request.Context(), c.Param("order_no"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"resolved": n}})
	}
}

// retryOutbox 显式重试一条 FAILED 的 outbox 消息。
func retryOutbox(poller *outbox.Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := poller.RetryFailed(c.Request.Context(), c.Param("message_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "没有处于 FAILED 的对应消息"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "已重置为 PENDING"})
	}
}
