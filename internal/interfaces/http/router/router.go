// Package router assembles the ops HTTP engine.
package router

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/erp/exchange/internal/infrastructure/logger"
	"github.com/erp/exchange/internal/interfaces/http/handler"
	"github.com/erp/exchange/internal/interfaces/http/middleware"
)

// RouteRegistrar mounts a group of routes under the API prefix
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router collects registrars for one API version
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the version segment of /api/<version>
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// NewRouter creates a Router on engine
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine, apiVersion: "v1"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a registrar
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup mounts every registrar under /api/<version>
func (r *Router) Setup() {
	api := r.engine.Group("/api/" + r.apiVersion)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// DomainGroup is a RouteRegistrar for one prefix
type DomainGroup struct {
	prefix     string
	routes     []route
	middleware []gin.HandlerFunc
}

type route struct {
	method   string
	path     string
	handlers []gin.HandlerFunc
}

// NewDomainGroup creates a group under prefix
func NewDomainGroup(prefix string) *DomainGroup {
	return &DomainGroup{prefix: prefix}
}

// Use adds middleware to this group
func (dg *DomainGroup) Use(mw ...gin.HandlerFunc) *DomainGroup {
	dg.middleware = append(dg.middleware, mw...)
	return dg
}

// GET registers a GET route
func (dg *DomainGroup) GET(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	dg.routes = append(dg.routes, route{method: "GET", path: path, handlers: handlers})
	return dg
}

// POST registers a POST route
func (dg *DomainGroup) POST(path string, handlers ...gin.HandlerFunc) *DomainGroup {
	dg.routes = append(dg.routes, route{method: "POST", path: path, handlers: handlers})
	return dg
}

// RegisterRoutes implements RouteRegistrar
func (dg *DomainGroup) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(dg.prefix, dg.middleware...)
	for _, rt := range dg.routes {
		group.Handle(rt.method, rt.path, rt.handlers...)
	}
}

// Handlers are the endpoint groups served by the engine. ERP may carry a
// nil operations interface when the ERP link is disabled.
type Handlers struct {
	Health   *handler.HealthHandler
	Exchange *handler.ExchangeHandler
	ERP      *handler.ERPHandler
	Outbox   *handler.OutboxHandler
	Tasks    *handler.TaskHandler
}

// Options tune the engine.
type Options struct {
	ServiceName    string
	Mode           string // gin.ReleaseMode, gin.DebugMode, gin.TestMode
	MaxUploadBytes int64
	TrustedProxies []string
	Tracing        bool
	// Meter enables HTTP request metrics when set
	Meter metric.Meter
}

// New builds the engine with the standard middleware chain and all routes.
func New(opts Options, h Handlers, log *zap.Logger) (*gin.Engine, error) {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, err
	}
	engine.Use(
		middleware.RequestID(),
		logger.GinMiddleware(log, logger.WithQuietPaths("/healthz", "/readyz")),
		logger.Recovery(log),
	)
	if opts.Tracing {
		engine.Use(middleware.Tracing(opts.ServiceName), middleware.SpanAttributes())
	}
	if opts.Meter != nil {
		mw, err := middleware.HTTPMetrics(opts.Meter)
		if err != nil {
			return nil, err
		}
		engine.Use(mw)
	}

	h.Health.RegisterRoutes(engine)

	// multipart framing adds a little over the file itself
	uploadLimit := opts.MaxUploadBytes + 1<<20

	r := NewRouter(engine)
	r.Register(NewDomainGroup("/exchange").
		POST("/jobs/:type", middleware.BodyLimit(uploadLimit), h.Exchange.SubmitJob).
		GET("/queues", h.Exchange.Queues))
	r.Register(NewDomainGroup("/erp").
		POST("/ping", h.ERP.Ping).
		POST("/catalog/resync", h.ERP.ResyncCatalog).
		POST("/orders/flush", h.ERP.FlushOrders))
	r.Register(NewDomainGroup("/outbox").
		GET("/failed", h.Outbox.ListFailed).
		GET("/stats", h.Outbox.Stats).
		POST("/:id/requeue", h.Outbox.Requeue))
	r.Register(NewDomainGroup("/tasks").
		GET("", h.Tasks.List).
		POST("/:name/run", h.Tasks.Run))
	r.Setup()

	return engine, nil
}
