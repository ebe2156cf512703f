package api

import (
	"github.com/gin-gonic/gin"
	"github.com/take2eu/formpay"
	"github.com/take2eu/formpay/api/middleware"
	"github.com/take2eu/formpay/config"
)

type Api struct {
	formpay *formpay.Formpay
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/submissions", a.StageSubmission)
	router.GET("/submissions/:id", a.GetSubmission)
	router.POST("/submissions/:id/checkout-session", a.OpenCheckoutSession)
	return a.router
}

func NewAPI(f *formpay.Formpay) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	a := &Api{formpay: f, router: r}

	// The processor signs its callbacks; secret-key auth would only get in
	// its way, so the webhook route mounts before the auth middleware.
	r.POST("/webhooks/checkout", a.CheckoutWebhook)

	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	return a
}
