// Package httpapi serves the latest readings, the reading history and the
// Prometheus metrics over HTTP.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/calmh/soilpi"
	"github.com/calmh/soilpi/store"
	"github.com/gin-gonic/gin"
)

const (
	defaultHistory = 100
	maxHistory     = 10000
)

// History is the query side of store.History.
type History interface {
	Recent(sensor string, ch chirp.Channel, n int) ([]store.Sample, error)
}

// NewRouter returns the API routes. hist and metrics may be nil, in which
// case their routes are not registered.
func NewRouter(latest *Latest, hist History, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/readings", func(c *gin.Context) {
		c.JSON(http.StatusOK, latest.Readings(""))
	})

	r.GET("/readings/:sensor", func(c *gin.Context) {
		res := latest.Readings(c.Param("sensor"))
		if len(res) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown sensor"})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	if hist != nil {
		r.GET("/history/:sensor/:channel", func(c *gin.Context) {
			ch, ok := chirp.ParseChannel(c.Param("channel"))
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
				return
			}
			n := defaultHistory
			if s := c.Query("n"); s != "" {
				v, err := strconv.Atoi(s)
				if err != nil || v < 1 || v > maxHistory {
					c.JSON(http.StatusBadRequest, gin.H{"error": "n must be between 1 and " + strconv.Itoa(maxHistory)})
					return
				}
				n = v
			}
			samples, err := hist.Recent(c.Param("sensor"), ch, n)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if samples == nil {
				samples = []store.Sample{}
			}
			c.JSON(http.StatusOK, samples)
		})
	}

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	return r
}
