package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/charlesng35/imrelay/pkg/errors"
	"github.com/charlesng35/imrelay/pkg/logger"
	"github.com/charlesng35/imrelay/pkg/response"
)

// Recovery converts panics into a 500 response and logs the error.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithModule("http").Error("panic",
					zap.String("path", c.Request.URL.Path),
					zap.Any("error", r),
					zap.Stack("stack"),
				)
				response.Error(c, apperrors.ErrInternalServer)
				c.Abort()
			}
		}()
		c.Next()
	}
}

// NotFound answers unknown routes with a JSON 404.
func NotFound(c *gin.Context) {
	response.Error(c, apperrors.New(apperrors.ErrNotFound.Code, "route "+c.Request.URL.Path+" not found", http.StatusNotFound))
}
