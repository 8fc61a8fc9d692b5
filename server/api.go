package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/hb9tf/meshsurvey/channel"
	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/heatmap"
	"github.com/hb9tf/meshsurvey/inventory"
	"github.com/hb9tf/meshsurvey/probe"
	"github.com/hb9tf/meshsurvey/store"
	"github.com/hb9tf/meshsurvey/survey"
)

const (
	apiPrefix       = "/api/v1"
	channelEndpoint = "/ws"

	defaultImgWidth  = 640
	defaultImgHeight = 480
	defaultImgRadius = 4
	maxImgSize       = 4096
	streamBuffer     = 32
)

// API serves the read side of the survey data next to the session channel.
type API struct {
	store     store.Store
	inventory inventory.Inventory
	coverage  *coverage.Aggregator
	hub       *channel.Hub

	// discoverer is nil when discovery is not configured.
	discoverer      probe.Discoverer
	discoverTimeout time.Duration
	now             func() time.Time
}

func (a *API) Register(r gin.IRouter) {
	r.GET(channelEndpoint, gin.WrapH(a.hub))
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	v1 := r.Group(apiPrefix)
	v1.GET("/sessions", a.listSessions)
	v1.GET("/surface", a.surface)
	v1.GET("/surface.png", a.surfaceImage)
	v1.GET("/surface/stream", a.surfaceStream)
	v1.GET("/measurements.csv", a.measurementsCSV)
	v1.GET("/nodes", a.listNodes)
	v1.POST("/nodes", a.addNode)
	v1.POST("/nodes/discover", a.discoverNodes)
	v1.GET("/nodes/:id", a.getNode)
}

func abort(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		glog.Warningf("%s %s: %s\n", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func surfaceKey(c *gin.Context) (coverage.Key, error) {
	target, err := strconv.ParseInt(c.Query("target"), 10, 64)
	if err != nil || target <= 0 {
		return coverage.Key{}, fmt.Errorf("target must be a node id, got %q", c.Query("target"))
	}
	session := c.Query("session")
	if session == "" {
		return coverage.Key{}, errors.New("session is required")
	}
	return coverage.Key{TargetNodeID: target, SessionID: session}, nil
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

func (a *API) listSessions(c *gin.Context) {
	var target int64
	if raw := c.Query("target"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			abort(c, http.StatusBadRequest, fmt.Errorf("invalid target %q", raw))
			return
		}
		target = id
	}
	sessions, err := a.store.ListSessions(c.Request.Context(), target)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	live := a.hub.Sessions()
	if live == nil {
		live = []survey.SessionState{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"live":     live,
	})
}

func (a *API) surface(c *gin.Context) {
	key, err := surfaceKey(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	points, err := a.coverage.Surface(c.Request.Context(), key.TargetNodeID, key.SessionID)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if points == nil {
		points = []survey.Point{}
	}
	c.JSON(http.StatusOK, gin.H{
		"targetNodeId": key.TargetNodeID,
		"sessionId":    key.SessionID,
		"range":        a.coverage.Range(),
		"points":       points,
	})
}

func (a *API) surfaceImage(c *gin.Context) {
	key, err := surfaceKey(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	opts := &heatmap.ImageOptions{
		AddGrid:   c.Query("grid") != "false",
		AddLegend: c.Query("legend") != "false",
	}
	for _, q := range []struct {
		name string
		def  int
		dst  *int
	}{
		{"width", defaultImgWidth, &opts.Width},
		{"height", defaultImgHeight, &opts.Height},
		{"radius", defaultImgRadius, &opts.Radius},
	} {
		v, err := queryInt(c, q.name, q.def)
		if err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
		*q.dst = v
	}
	if opts.Width > maxImgSize || opts.Height > maxImgSize {
		abort(c, http.StatusBadRequest, fmt.Errorf("image must not exceed %dx%d", maxImgSize, maxImgSize))
		return
	}

	points, err := a.coverage.Surface(c.Request.Context(), key.TargetNodeID, key.SessionID)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	res, err := heatmap.Render(&heatmap.RenderRequest{
		Points: points,
		Range:  a.coverage.Range(),
		Image:  opts,
	})
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	name := "surface.png"
	if strings.EqualFold(c.Query("format"), "jpeg") || strings.EqualFold(c.Query("format"), "jpg") {
		name = "surface.jpg"
	}
	var buf bytes.Buffer
	if err := heatmap.Encode(&buf, res.Image, name); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	contentType := "image/png"
	if strings.HasSuffix(name, ".jpg") {
		contentType = "image/jpeg"
	}
	c.Header("X-Surface-Points", strconv.Itoa(res.Metadata.Points))
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

// surfaceStream pushes every point added to a surface as server-sent events
// until the client goes away.
func (a *API) surfaceStream(c *gin.Context) {
	key, err := surfaceKey(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	updates := a.coverage.Subscribe(c.Request.Context(), key, streamBuffer)
	c.Stream(func(w io.Writer) bool {
		u, ok := <-updates
		if !ok {
			return false
		}
		c.SSEvent("point", gin.H{
			"lat":     u.Point.Lat,
			"lon":     u.Point.Lon,
			"weight":  u.Point.Weight,
			"total":   u.Total,
			"rebuilt": u.Rebuilt,
		})
		return true
	})
}

func (a *API) measurementsCSV(c *gin.Context) {
	key, err := surfaceKey(c)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	measurements, err := a.store.QueryMeasurements(c.Request.Context(), key.TargetNodeID, key.SessionID)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	var buf bytes.Buffer
	if err := store.WriteCSV(&buf, measurements); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("measurements-%d-%s.csv", key.TargetNodeID, key.SessionID)))
	c.Data(http.StatusOK, "text/csv", buf.Bytes())
}

func (a *API) listNodes(c *gin.Context) {
	opts := inventory.ListOptions{ActiveOnly: true}
	if c.Query("all") != "true" {
		role := inventory.RoleRepeater
		opts.Role = &role
	} else {
		opts.ActiveOnly = false
	}
	nodes, err := a.inventory.List(c.Request.Context(), opts)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	if nodes == nil {
		nodes = []inventory.Node{}
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

type nodeRequest struct {
	MeshIdentity   string   `json:"meshIdentity" binding:"required"`
	PublicKey      string   `json:"publicKey"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Latitude       *float64 `json:"lat"`
	Longitude      *float64 `json:"lon"`
	Altitude       *float64 `json:"altitude"`
	EstimatedRange int      `json:"estimatedRange"`
	Inactive       bool     `json:"inactive"`
}

func (a *API) addNode(c *gin.Context) {
	var req nodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	role, err := inventory.ParseRole(req.Role)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	now := a.now()
	n := &inventory.Node{
		MeshIdentity:   req.MeshIdentity,
		PublicKey:      req.PublicKey,
		Name:           req.Name,
		Role:           role,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		Altitude:       req.Altitude,
		EstimatedRange: req.EstimatedRange,
		Active:         !req.Inactive,
		FirstSeen:      now,
		LastSeen:       now,
	}
	if _, err := a.inventory.Add(c.Request.Context(), n); err != nil {
		if errors.Is(err, inventory.ErrExists) {
			abort(c, http.StatusConflict, err)
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	glog.Infof("Registered node %s (%d)\n", n, n.ID)
	c.JSON(http.StatusCreated, n)
}

func (a *API) getNode(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, fmt.Errorf("invalid node id %q", c.Param("id")))
		return
	}
	n, err := a.inventory.Lookup(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, inventory.ErrTargetUnknown) {
			abort(c, http.StatusNotFound, err)
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

type discoverRequest struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// discoverNodes lists the nodes the radio hears that are not yet known as
// repeaters. Nothing is added to the inventory.
func (a *API) discoverNodes(c *gin.Context) {
	if a.discoverer == nil {
		abort(c, http.StatusNotImplemented, errors.New("node discovery is not configured"))
		return
	}
	var req discoverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	if req.TimeoutSeconds < 0 {
		abort(c, http.StatusBadRequest, fmt.Errorf("timeoutSeconds must not be negative, got %d", req.TimeoutSeconds))
		return
	}
	timeout := a.discoverTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	heard, err := a.discoverer.Discover(c.Request.Context(), timeout)
	if err != nil {
		if errors.Is(err, probe.ErrUnavailable) {
			abort(c, http.StatusServiceUnavailable, err)
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	role := inventory.RoleRepeater
	known, err := a.inventory.List(c.Request.Context(), inventory.ListOptions{Role: &role})
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	skip := make(map[string]bool, len(known))
	for _, n := range known {
		skip[n.MeshIdentity] = true
	}
	nodes := []probe.Discovered{}
	for _, n := range heard {
		if !skip[n.MeshIdentity] {
			nodes = append(nodes, n)
		}
	}
	glog.Infof("Discovery heard %d nodes, %d new\n", len(heard), len(nodes))
	c.JSON(http.StatusOK, gin.H{"count": len(nodes), "nodes": nodes})
}
