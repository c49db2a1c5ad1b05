package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/unipermit/unipermit-api/internal/middleware"
	"github.com/unipermit/unipermit-api/internal/models"
	appErrors "github.com/unipermit/unipermit-api/pkg/errors"
	"github.com/unipermit/unipermit-api/pkg/response"
)

// sessionFromContext rebuilds the signed-in user from the JWT claims. It
// writes a 401 and returns false when no session is attached.
func sessionFromContext(c *gin.Context) (models.User, bool) {
	claims, ok := middleware.Claims(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.User{}, false
	}
	return claims.User(), true
}

func respond(c *gin.Context, status int, data interface{}, degraded bool) {
	middleware.SetDegraded(c, degraded)
	response.JSON(c, status, data, middleware.ExtractMeta(c))
}
