package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
	"github.com/andrewh/shopsim/pkg/journal"
	"github.com/andrewh/shopsim/pkg/metrics"
	"github.com/andrewh/shopsim/pkg/shop"
	"github.com/gin-gonic/gin"
)

type modeView struct {
	Name    string
	Enabled bool
}

type pageData struct {
	Title       string
	Products    []shop.Product
	Modes       []modeView
	ActiveUsers int
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Products    []shop.Product `json:"products"`
	Chaos       chaos.Snapshot `json:"chaos"`
	ActiveUsers int            `json:"active_users"`
	LeakBytes   int64          `json:"leak_bytes"`
}

// PurchaseResponse is the body of a successful POST /buy/:product.
type PurchaseResponse struct {
	Status  string  `json:"status"`
	Price   float64 `json:"price"`
	Product string  `json:"product"`
	OrderID string  `json:"order_id"`
}

func (s *Server) activeUsers() int {
	if s.cfg.Users == nil {
		return 0
	}
	return s.cfg.Users.CurrentUsers()
}

func (s *Server) view(c *gin.Context) {
	snap := s.cfg.Chaos.Snapshot()
	modes := make([]modeView, 0, len(snap))
	for _, m := range chaos.Modes() {
		modes = append(modes, modeView{Name: string(m), Enabled: snap[m]})
	}
	c.HTML(http.StatusOK, "index.html", pageData{
		Title:       displayName(s.cfg.ServiceName),
		Products:    s.cfg.Catalog.Snapshot(),
		Modes:       modes,
		ActiveUsers: s.activeUsers(),
	})
}

func (s *Server) viewFailed(c *gin.Context) {
	c.HTML(http.StatusInternalServerError, "error.html", nil)
}

func (s *Server) buy(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.cfg.Catalog.Purchase(c.Param("product"))
	if errors.Is(err, shop.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	if err != nil {
		s.cfg.Logger.Error("purchase failed", "product", c.Param("product"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	s.cfg.Metrics.RecordSale(ctx, p.Name, p.Price, metrics.SourceAPI)

	order := journal.Order{
		ID:        s.cfg.NewOrderID(),
		Product:   p.Name,
		Price:     p.Price,
		Source:    metrics.SourceAPI,
		CreatedAt: time.Now().UTC(),
	}
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.Record(ctx, order); err != nil {
			s.cfg.Logger.Warn("journal write failed", "order_id", order.ID, "error", err)
		}
	}

	c.JSON(http.StatusOK, PurchaseResponse{
		Status:  "purchased",
		Price:   p.Price,
		Product: p.Name,
		OrderID: order.ID,
	})
}

func (s *Server) buyFailed(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Payment Gateway Failed"})
}

// setChaos switches a mode on or off. Any action other than "on" means off;
// an unknown mode leaves the switchboard unchanged.
func (s *Server) setChaos(c *gin.Context) {
	mode := c.Param("mode")
	enabled := c.Param("action") == "on"

	snap, err := s.cfg.Chaos.Set(mode, enabled)
	if errors.Is(err, chaos.ErrUnknownMode) {
		s.cfg.Logger.Warn("ignoring unknown chaos mode", "mode", mode)
		snap = s.cfg.Chaos.Snapshot()
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getChaos(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Chaos.Snapshot())
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, StateResponse{
		Products:    s.cfg.Catalog.Snapshot(),
		Chaos:       s.cfg.Chaos.Snapshot(),
		ActiveUsers: s.activeUsers(),
		LeakBytes:   s.cfg.Chaos.Leak().Bytes(),
	})
}

func (s *Server) orders(c *gin.Context) {
	limit := journal.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	orders, err := s.cfg.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		s.cfg.Logger.Error("reading journal failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	if orders == nil {
		orders = []journal.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
