package webcast

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/graceful"
	"github.com/gin-gonic/gin"
)

// Backend is what the HTTP surface needs from the running pipeline.
type Backend interface {
	// Caster returns the live caster, creating it if there is none.
	Caster() *Caster
	Stats() any
	Partitions(limit int) (any, error)
}

func Run(ctx context.Context, addr string, b Backend) error {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard
	router, err := graceful.Default(graceful.WithAddr(addr))
	if err != nil {
		return err
	}
	router.Use(CrossOrigin())
	routes(router, b)
	if err := router.RunWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func routes(r gin.IRoutes, b Backend) {
	r.GET("/live", func(c *gin.Context) {
		caster := b.Caster()
		if caster == nil { // shutting down
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		client := NewClient(c, caster)
		client.Start()
		client.Wait()
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Stats())
	})

	r.GET("/partitions", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		parts, err := b.Partitions(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, parts)
	})
}

// CrossOrigin Access-Control-Allow-Origin any methods
func CrossOrigin() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
