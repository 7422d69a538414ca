package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jerrymusaga/bit-bnpl-sub000/internal/events"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/guard"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/installment"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/merchant"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/pipeline"
	"github.com/jerrymusaga/bit-bnpl-sub000/internal/purchase"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/db"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/ledger"
	"github.com/jerrymusaga/bit-bnpl-sub000/pkg/protocol"
)

// Server wires the HTTP surface around the decision core.
type Server struct {
	Router       *gin.Engine
	Bus          *events.Bus
	DB           *db.Database
	Ledger       ledger.Service
	Installments *installment.Ledger
	Guard        *guard.Guard
	Pipe         *pipeline.Manager
	Purchases    *purchase.Service
	Merchants    *merchant.Registry
	Params       protocol.Params
	JWTSecret    string
	Meta         SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	DryRun  bool
	Version string
}

// Deps collects everything the server needs; keeps NewServer readable.
type Deps struct {
	Bus          *events.Bus
	DB           *db.Database
	Ledger       ledger.Service
	Installments *installment.Ledger
	Guard        *guard.Guard
	Pipe         *pipeline.Manager
	Purchases    *purchase.Service
	Merchants    *merchant.Registry
	Params       protocol.Params
	JWTSecret    string
	Meta         SystemMeta
}

func NewServer(deps Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())        // Panic recovery (first)
	r.Use(RequestIDMiddleware()) // Request ID tracking
	r.Use(RequestLogger())       // Request logging (after ID is set)
	r.Use(RateLimitMiddleware()) // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:       r,
		Bus:          deps.Bus,
		DB:           deps.DB,
		Ledger:       deps.Ledger,
		Installments: deps.Installments,
		Guard:        deps.Guard,
		Pipe:         deps.Pipe,
		Purchases:    deps.Purchases,
		Merchants:    deps.Merchants,
		Params:       deps.Params,
		JWTSecret:    deps.JWTSecret,
		Meta:         deps.Meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/position", s.getPosition)
			protected.GET("/position/health", s.getPositionHealth)
			protected.GET("/position/max-withdrawal", s.getMaxWithdrawal)

			protected.GET("/guard/withdraw", s.getWithdrawVerdict)
			protected.GET("/guard/close", s.getCloseVerdict)

			protected.GET("/agreements", s.listAgreements)
			protected.GET("/agreements/:id", s.getAgreement)
			protected.POST("/agreements/:id/pay", s.payInstallment)

			protected.POST("/actions/borrow", s.borrow)
			protected.POST("/actions/repay", s.repay)
			protected.POST("/actions/withdraw", s.withdraw)
			protected.POST("/actions/purchase", s.startPurchase)
			protected.POST("/actions/quote", s.quotePurchase)

			protected.GET("/pipeline/:id", s.getPipelineStatus)

			protected.POST("/merchants", s.createMerchant)
			protected.GET("/merchants", s.listMerchants)
			protected.GET("/merchants/:id", s.getMerchant)
			protected.DELETE("/merchants/:id", s.deactivateMerchant)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dry_run": s.Meta.DryRun,
		"version": s.Meta.Version,
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
