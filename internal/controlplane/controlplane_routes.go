package controlplane

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"

	"github.com/openmined/syftmirror/internal/controlplane/handlers"
	"github.com/openmined/syftmirror/internal/controlplane/middleware"
	"github.com/openmined/syftmirror/internal/controlplane/ws"
	"github.com/openmined/syftmirror/internal/version"
)

type RouteConfig struct {
	Auth middleware.TokenAuthConfig
	// requests per second per client, 0 means the default
	RateLimit int64
}

const defaultRateLimit = 10

func SetupRoutes(svc handlers.SyncService, hub *ws.EventHub, routeConfig *RouteConfig) http.Handler {
	r := gin.New()

	rate := routeConfig.RateLimit
	if rate <= 0 {
		rate = defaultRateLimit
	}
	rateLimitStore := memory.NewStore()
	rateLimiter := limiter.New(rateLimitStore, limiter.Rate{
		Period: 1 * time.Second,
		Limit:  rate,
	})

	statusH := handlers.NewStatusHandler(svc)
	syncH := handlers.NewSyncHandler(svc)

	r.Use(middleware.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.SecureHeaders())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())
	r.Use(mgin.NewMiddleware(rateLimiter, mgin.WithLimitReachedHandler(limitReached)))

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(routeConfig.Auth))
	{
		v1.GET("/status", statusH.Status)
		v1.GET("/events", hub.WebsocketHandler)

		v1Sync := v1.Group("/sync")
		{
			v1Sync.GET("/paths", syncH.Paths)
			v1Sync.GET("/retries", syncH.Retries)
			v1Sync.GET("/stream", syncH.Stream)
			v1Sync.POST("/now", syncH.TriggerSync)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler()
}

func limitReached(c *gin.Context) {
	handlers.AbortWithError(c, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, errors.New("rate limit exceeded"))
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.String(http.StatusOK, version.DetailedWithApp())
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
