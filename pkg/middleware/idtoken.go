package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// contextKeyEmail は認証済みメールアドレスをGinコンテキストに格納するキー。
const contextKeyEmail = "email"

// VerifyFunc はIDトークンを検証し、検証済みのメールアドレスを返す。
type VerifyFunc func(ctx context.Context, token string) (email string, err error)

// AllowFunc はメールアドレスのユーザーに操作を許可するかどうかを返す。
type AllowFunc func(ctx context.Context, email string) (bool, error)

// IDTokenAuth はBearerトークンとして渡されたIDトークンを検証するGinミドルウェアを返す。
// 検証に成功し、allowが許可したユーザーの場合のみコンテキストに "email" を設定する。
// verifyがnilの場合は設定不備として500を返す。
func IDTokenAuth(verify VerifyFunc, allow AllowFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verify == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "サーバーの設定が不正です",
			})
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		token, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		email, err := verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "トークンが無効です",
			})
			return
		}

		if allow != nil {
			ok, err := allow(c.Request.Context(), email)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "ユーザーの確認に失敗しました",
				})
				return
			}
			if !ok {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "このユーザーには権限がありません",
				})
				return
			}
		}

		c.Set(contextKeyEmail, email)
		c.Next()
	}
}

// GetEmail はGinコンテキストから認証済みメールアドレスを取得する。
// IDTokenAuthミドルウェアが事前に適用されている必要がある。
func GetEmail(c *gin.Context) string {
	v, _ := c.Get(contextKeyEmail)
	if email, ok := v.(string); ok {
		return email
	}
	return ""
}
