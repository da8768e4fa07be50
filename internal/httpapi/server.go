// Package httpapi exposes the reservation core over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/hotelcore/pkg/amendment"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/booking"
	"github.com/MarkoPoloResearchLab/hotelcore/pkg/inventory"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultShutdownTimeout = 5 * time.Second

// ErrInvalidHandlerConfig reports a handler built without its dependencies.
var ErrInvalidHandlerConfig = errors.New("invalid http handler config")

// Config holds the listener settings.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Handler serves the reservation, amendment and inventory routes.
type Handler struct {
	service    *booking.Service
	amendments *amendment.Processor
	ledger     *inventory.Ledger
	logger     *zap.Logger
}

// NewHandler wires a Handler. A nil logger discards output.
func NewHandler(service *booking.Service, amendments *amendment.Processor, ledger *inventory.Ledger, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: booking service is nil", ErrInvalidHandlerConfig)
	}
	if amendments == nil {
		return nil, fmt.Errorf("%w: amendment processor is nil", ErrInvalidHandlerConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: inventory ledger is nil", ErrInvalidHandlerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, amendments: amendments, ledger: ledger, logger: logger}, nil
}

// Run serves handler on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, handler *Handler) error {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewRouter(cfg, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			handler.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with CORS and every route registered.
func NewRouter(cfg Config, handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	api.POST("/reservations", handler.handleCreateReservation)
	api.GET("/reservations/:id", handler.handleGetReservation)
	api.GET("/reservations/by-number/:number", handler.handleGetByBookingNumber)
	api.POST("/reservations/:id/transitions", handler.handleTransition)
	api.POST("/reservations/:id/cancel", handler.handleCancel)
	api.POST("/reservations/:id/payments", handler.handlePayment)
	api.POST("/reservations/:id/amendments/:amendmentId/resolve", handler.handleResolveAmendment)

	api.POST("/amendments", handler.handleReceiveAmendment)

	inventoryRoutes := api.Group("/inventory/:hotelId/:roomTypeId")
	inventoryRoutes.GET("/allotment", handler.handleGetAllotment)
	inventoryRoutes.PUT("/allotment", handler.handlePutAllotment)
	inventoryRoutes.GET("/days", handler.handleListDays)
	inventoryRoutes.GET("/days/:date", handler.handleGetDay)
	inventoryRoutes.POST("/days/:date/allocations", handler.handleAllocate)
	inventoryRoutes.POST("/rules/apply", handler.handleApplyRules)
	inventoryRoutes.GET("/performance", handler.handlePerformance)

	return router
}
