// Package auth guards the privileged operator endpoints (unblocking users,
// destroying sandboxes out of band). Regular execution traffic is
// authenticated upstream by the orchestrator; only operator actions need a
// credential here.
package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	OperatorKeyEnv = "OPERATOR_KEY"
	bcryptCost     = 12
)

// Operator holds the bcrypt hash of the operator key. The plaintext key is
// read once from the environment at startup and never retained.
type Operator struct {
	keyHash []byte
}

// NewOperatorFromEnv hashes OPERATOR_KEY. An empty key is an error: the
// privileged surface must never be open by accident.
func NewOperatorFromEnv() (*Operator, error) {
	key := strings.TrimSpace(os.Getenv(OperatorKeyEnv))
	if key == "" {
		return nil, fmt.Errorf("%s is required", OperatorKeyEnv)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash operator key: %w", err)
	}
	return &Operator{keyHash: hash}, nil
}

// Verify checks a presented key against the stored hash.
func (o *Operator) Verify(key string) bool {
	return bcrypt.CompareHashAndPassword(o.keyHash, []byte(key)) == nil
}

// Middleware rejects requests that do not carry the operator key as a
// Bearer token.
func (o *Operator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" || !o.Verify(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "operator authentication required",
			})
			return
		}
		c.Next()
	}
}
