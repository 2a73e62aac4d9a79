// Package admin serves the operational HTTP surface of a node: health,
// prometheus metrics, a channel listing and a JSON-RPC control endpoint.
package admin

import (
	"net/http"
	"time"

	"github.com/danmuck/nyxrpc/internal/observability"
	"github.com/danmuck/nyxrpc/internal/rpc"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Source is the node state the admin surface reads and controls. Methods
// are called from HTTP goroutines.
type Source interface {
	NodeID() string
	Channels() ([]rpc.Info, error)
	Disconnect(peer string) (bool, error)
}

type RouterConfig struct {
	Node        string
	CorsOrigins []string
}

// NewRouter builds the admin gin engine for src.
func NewRouter(src Source, cfg RouterConfig) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	appeared := time.Now()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(appeared).Round(time.Second).String(),
			"node":    src.NodeID(),
			"version": Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/channels", func(c *gin.Context) {
		channels, err := src.Channels()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"channels": channels})
	})

	r.POST("/rpc", gin.WrapH(newRPCServer(src)))
	return r
}

func newRPCServer(src Source) *gorillarpc.Server {
	s := gorillarpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Service{src: src}, "Admin"); err != nil {
		panic(err)
	}
	return s
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
