package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// Role はリクエスト元ユーザーのロールです
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
	RoleBroker Role = "broker"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	userIDKey   = "estate.user_id"
	userRoleKey = "estate.user_role"
)

// Identity は上流の認証プロキシが付与したヘッダーからユーザーを取り出します
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		role := Role(c.GetHeader(HeaderUserRole))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing user identity", "code": "unauthorized"},
			})
			return
		}
		switch role {
		case RoleAdmin, RoleSeller, RoleBuyer, RoleBroker:
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "unknown role", "code": "unauthorized"},
			})
			return
		}
		c.Set(userIDKey, userID)
		c.Set(userRoleKey, role)
		c.Next()
	}
}

// RequireRole は指定したロール以外のリクエストを 403 で拒否します
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, UserRole(c)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": gin.H{"message": "forbidden", "code": "forbidden"},
			})
			return
		}
		c.Next()
	}
}

func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func UserRole(c *gin.Context) Role {
	role, _ := c.Get(userRoleKey)
	r, _ := role.(Role)
	return r
}
