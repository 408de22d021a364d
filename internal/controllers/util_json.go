package controllers

import (
	"github.com/gin-gonic/gin"
	"github.com/osvaldoandrade/inspectq/internal/middleware"
)

func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func internalError(c *gin.Context, msg string, err error) {
	middleware.GetLogger(c).Error(msg, "err", err)
	errorJSON(c, 500, msg)
}
