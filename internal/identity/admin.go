package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminHeader carries the operator secret on admin requests.
const AdminHeader = "X-Casa-Admin"

// HashAdminSecret returns the bcrypt hash to configure for secret.
func HashAdminSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// RequireAdmin returns a Gin middleware that checks the AdminHeader value
// against a bcrypt hash. With an empty hash every admin request is refused.
func RequireAdmin(secretHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secretHash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin endpoints are disabled",
			})
			return
		}
		secret := c.GetHeader(AdminHeader)
		if secret == "" || bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin secret required",
			})
			return
		}
		c.Next()
	}
}
