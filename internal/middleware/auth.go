package middleware

import (
	"net/http"
	"strings"

	"canteen_order/internal/model"

	"github.com/gin-gonic/gin"
)

const actorKey = "canteen.actor"

// TokenParser 把 Bearer 令牌还原为调用方。
type TokenParser interface {
	Parse(token string) (model.Actor, error)
}

// Authenticate 校验 Authorization: Bearer <token>，成功后把调用方放入上下文。
func Authenticate(p TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authorized, no token"})
			return
		}
		actor, err := p.Parse(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authorized, token failed"})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

// RequireRoles 必须挂在 Authenticate 之后。
func RequireRoles(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "not authorized"})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"message": "role " + string(actor.Role) + " is not authorized to access this route",
		})
	}
}

// ActorFrom 读取 Authenticate 写入的调用方。
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}
