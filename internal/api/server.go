// Package api wires the Apply API, the action-triggers API, the
// report-lookup endpoint, and a websocket change event stream onto a
// gin.Engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/khryptorgraphics/orchestrall/internal/api/apply"
	"github.com/khryptorgraphics/orchestrall/internal/auth"
	"github.com/khryptorgraphics/orchestrall/internal/changeevents"
	"github.com/khryptorgraphics/orchestrall/internal/orchestrator/actions"
	"github.com/khryptorgraphics/orchestrall/internal/orchtypes"
	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// Config governs the HTTP listener this package starts.
type Config struct {
	Listen      string   `yaml:"listen" json:"listen"`
	TLSCert     string   `yaml:"tls_cert" json:"tls_cert"`
	TLSKey      string   `yaml:"tls_key" json:"tls_key"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// DefaultConfig binds loopback-only on the conventional control-plane port.
func DefaultConfig() Config {
	return Config{Listen: "127.0.0.1:8090", CORSOrigins: []string{"*"}}
}

// changeFollower is implemented by event sinks that can replay their
// change stream (internal/events/redisstream.Sink). The websocket event
// stream endpoint degrades to control-frames-only (no change fan-out)
// against an EventSink that doesn't implement it, e.g. a test fake.
type changeFollower interface {
	FollowChanges(ctx context.Context, fn func(ports.Event)) error
}

// Server is the control plane's HTTP API surface.
type Server struct {
	cfg     Config
	store   ports.Store
	events  ports.EventSink
	tasks   ports.TaskSubmit
	mw      *auth.Middleware
	logger  *slog.Logger
	http    *http.Server
	hub     *eventHub
	hubStop chan struct{}
}

// NewServer builds a Server over store (Apply + reports), events
// (change event emission and, if supported, replay for the websocket
// stream), tasks (orchestrate triggers), and mw (JWT + RBAC gating).
func NewServer(cfg Config, store ports.Store, events ports.EventSink, tasks ports.TaskSubmit, mw *auth.Middleware, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, store: store, events: events, tasks: tasks, mw: mw, logger: logger, hub: newEventHub(logger)}
}

// Start runs the router until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.hubStop = make(chan struct{})
	go s.hub.run(s.hubStop)
	if follower, ok := s.events.(changeFollower); ok {
		go func() {
			if err := follower.FollowChanges(ctx, s.hub.broadcastEvent); err != nil && ctx.Err() == nil {
				s.logger.Error("change event follower stopped", "error", err)
			}
		}()
	}

	router := s.setupRouter()
	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("starting api server", "listen", s.cfg.Listen, "tls", s.cfg.TLSCert != "")
	if s.cfg.TLSCert != "" {
		return s.http.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}
	return s.http.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.hubStop != nil {
		close(s.hubStop)
	}
	if s.http == nil {
		return nil
	}
	s.logger.Info("stopping api server")
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(s.cfg.CORSOrigins))

	v0 := router.Group("/api/v0")
	v0.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v0.POST("/apply", s.mw.RequireAuth(), s.mw.RequirePermission(auth.PermissionApply), s.handleApply)

	naction := v0.Group("/naction/:ns/:cluster/:node/:id", s.mw.RequireAuth(), s.mw.RequirePermission(auth.PermissionApprove))
	naction.POST("/approve", s.handleNActionTrigger(actions.ApproveNAction))
	naction.POST("/reject", s.handleNActionTrigger(actions.RejectNAction))
	naction.POST("/cancel", s.handleNActionTrigger(actions.CancelNAction))

	oaction := v0.Group("/oaction/:ns/:cluster/:id", s.mw.RequireAuth(), s.mw.RequirePermission(auth.PermissionApprove))
	oaction.POST("/approve", s.handleOActionTrigger(actions.ApproveOAction))
	oaction.POST("/reject", s.handleOActionTrigger(actions.RejectOAction))
	oaction.POST("/cancel", s.handleOActionTrigger(actions.CancelOAction))

	v0.POST("/clusterspec/:ns/:name/orchestrate", s.mw.RequireAuth(), s.mw.RequirePermission(auth.PermissionApply), s.handleOrchestrateTrigger)
	v0.GET("/clusterspec/:ns/:name/reports", s.mw.RequireAuth(), s.mw.RequirePermission(auth.PermissionView), s.handleListReports)
	v0.DELETE("/clusterspec/:ns/:name", s.mw.RequireAuth(), s.mw.RequirePermission(auth.PermissionApply), s.handleDeleteClusterSpec)

	router.GET("/ws/events", s.mw.RequireAuth(), s.mw.RequirePermission(auth.PermissionView), s.handleEventStream)

	return router
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = origins
	cfg.AllowHeaders = []string{"Authorization", "Content-Type"}
	cfg.AllowMethods = []string{"GET", "POST", "DELETE"}
	return cors.New(cfg)
}

// handleApply decodes the kind-keyed Envelope and dispatches to the
// matching apply.<Kind> validator, persisting the result and emitting
// its change event.
func (s *Server) handleApply(c *gin.Context) {
	var env apply.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		writeError(c, fmt.Errorf("decode envelope: %w", err))
		return
	}
	if verr := apply.ValidateEnvelope(env); verr != nil {
		writeError(c, verr)
		return
	}

	ctx := c.Request.Context()
	now := time.Now()
	switch env.Kind {
	case apply.KindNamespace:
		current, err := s.store.LookupNamespace(ctx, env.Metadata.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		ns, err := apply.Namespace(env, current)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := s.store.PersistNamespace(ctx, ns); err != nil {
			writeError(c, err)
			return
		}
		if err := changeevents.New(s.events, ns.ID, "").Namespace(ctx, ns); err != nil {
			s.logger.Warn("emit namespace change event failed", "error", err)
		}
		c.JSON(http.StatusOK, ns)
	case apply.KindClusterSpec:
		spec, err := apply.ClusterSpec(env)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := s.store.PersistClusterSpec(ctx, spec); err != nil {
			writeError(c, err)
			return
		}
		if err := changeevents.New(s.events, spec.NsID, spec.ClusterID()).ClusterSpecApplied(ctx, spec); err != nil {
			s.logger.Warn("emit cluster spec change event failed", "error", err)
		}
		c.JSON(http.StatusOK, spec)
	case apply.KindPlatform:
		p, err := apply.Platform(env)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := s.store.PersistPlatform(ctx, p); err != nil {
			writeError(c, err)
			return
		}
		if err := changeevents.New(s.events, p.NsID, "").PlatformApplied(ctx, p); err != nil {
			s.logger.Warn("emit platform change event failed", "error", err)
		}
		c.JSON(http.StatusOK, p)
	case apply.KindNAction:
		a, err := apply.NAction(env, now)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := s.store.PersistNAction(ctx, a); err != nil {
			writeError(c, err)
			return
		}
		if err := changeevents.New(s.events, a.NsID, a.ClusterID).NActionNew(ctx, a); err != nil {
			s.logger.Warn("emit naction change event failed", "error", err)
		}
		c.JSON(http.StatusOK, a)
	case apply.KindOAction:
		a, err := apply.OAction(env, now)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := s.store.PersistOAction(ctx, a); err != nil {
			writeError(c, err)
			return
		}
		if err := changeevents.New(s.events, a.NsID, a.ClusterID).OActionCreate(ctx, a); err != nil {
			s.logger.Warn("emit oaction change event failed", "error", err)
		}
		c.JSON(http.StatusOK, a)
	default:
		writeError(c, &apply.ErrUnsupportedKind{Kind: env.Kind})
	}
}

// handleDeleteClusterSpec removes a cluster's declared shape and emits
// CLUSTER_SPEC_DELETED with the removed spec as its post-image. Nodes,
// shards, and actions already persisted for the cluster are left in
// place; without a spec no further cycle will touch them.
func (s *Server) handleDeleteClusterSpec(c *gin.Context) {
	nsID, name := c.Param("ns"), c.Param("name")
	ctx := c.Request.Context()
	key := ports.ClusterKey{NsID: nsID, ClusterID: name}

	spec, err := s.store.LookupClusterSpec(ctx, key)
	if err != nil {
		writeError(c, err)
		return
	}
	if spec == nil {
		writeError(c, fmt.Errorf("cluster spec %s.%s: %w", nsID, name, errNotFound))
		return
	}
	if err := s.store.DeleteClusterSpec(ctx, key); err != nil {
		writeError(c, err)
		return
	}
	if err := changeevents.New(s.events, nsID, name).ClusterSpecDeleted(ctx, *spec); err != nil {
		s.logger.Warn("emit cluster spec deleted event failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleOrchestrateTrigger submits one orchestrate_cluster task for
// (ns, name), the Action Triggers API's cluster-level route.
func (s *Server) handleOrchestrateTrigger(c *gin.Context) {
	nsID, name := c.Param("ns"), c.Param("name")
	payload, err := json.Marshal(ports.OrchestrateClusterPayload{NsID: nsID, ClusterID: name})
	if err != nil {
		writeError(c, err)
		return
	}
	if err := s.tasks.Submit(c.Request.Context(), ports.TaskSubmission{Queue: ports.OrchestrateClusterQueue, Payload: payload}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"submitted": true})
}

type nactionTransition func(orchtypes.NAction, time.Time) (orchtypes.NAction, error)

// handleNActionTrigger looks up the addressed NAction, applies
// transition, persists it, and emits the matching change event.
func (s *Server) handleNActionTrigger(transition nactionTransition) gin.HandlerFunc {
	return func(c *gin.Context) {
		nsID, clusterID, id := c.Param("ns"), c.Param("cluster"), c.Param("id")
		actionID, err := uuid.Parse(id)
		if err != nil {
			writeError(c, fmt.Errorf("%w: invalid action id", errIllegalTransition))
			return
		}
		ctx := c.Request.Context()
		key := ports.ClusterKey{NsID: nsID, ClusterID: clusterID}
		current, err := s.store.LookupNAction(ctx, key, actionID)
		if err != nil {
			writeError(c, err)
			return
		}
		if current == nil {
			writeError(c, fmt.Errorf("naction %s: %w", actionID, errNotFound))
			return
		}
		next, err := transition(*current, time.Now())
		if err != nil {
			var illegal *actions.ErrIllegalTransition
			if errors.As(err, &illegal) {
				writeError(c, fmt.Errorf("%s: %w", illegal.Error(), errIllegalTransition))
				return
			}
			writeError(c, err)
			return
		}
		if err := s.store.PersistNAction(ctx, next); err != nil {
			writeError(c, err)
			return
		}
		emitter := changeevents.New(s.events, next.NsID, next.ClusterID)
		var emitErr error
		if next.State.Phase == orchtypes.PhaseCancelled {
			emitErr = emitter.NActionCancel(ctx, next)
		} else {
			emitErr = emitter.NActionApprove(ctx, next)
		}
		if emitErr != nil {
			s.logger.Warn("emit naction trigger change event failed", "error", emitErr)
		}
		c.JSON(http.StatusOK, next)
	}
}

type oactionTransition func(orchtypes.OAction, time.Time) (orchtypes.OAction, error)

func (s *Server) handleOActionTrigger(transition oactionTransition) gin.HandlerFunc {
	return func(c *gin.Context) {
		nsID, clusterID, id := c.Param("ns"), c.Param("cluster"), c.Param("id")
		actionID, err := uuid.Parse(id)
		if err != nil {
			writeError(c, fmt.Errorf("%w: invalid action id", errIllegalTransition))
			return
		}
		ctx := c.Request.Context()
		key := ports.ClusterKey{NsID: nsID, ClusterID: clusterID}
		unfinished, err := s.store.ListUnfinishedOActions(ctx, key)
		if err != nil {
			writeError(c, err)
			return
		}
		var current *orchtypes.OAction
		for _, a := range unfinished {
			if a.ActionID == actionID {
				cp := a
				current = &cp
				break
			}
		}
		if current == nil {
			writeError(c, fmt.Errorf("oaction %s: %w", actionID, errNotFound))
			return
		}
		next, err := transition(*current, time.Now())
		if err != nil {
			var illegal *actions.ErrIllegalTransition
			if errors.As(err, &illegal) {
				writeError(c, fmt.Errorf("%s: %w", illegal.Error(), errIllegalTransition))
				return
			}
			writeError(c, err)
			return
		}
		if err := s.store.PersistOAction(ctx, next); err != nil {
			writeError(c, err)
			return
		}
		if err := changeevents.New(s.events, next.NsID, next.ClusterID).OActionUpdate(ctx, next); err != nil {
			s.logger.Warn("emit oaction trigger change event failed", "error", err)
		}
		c.JSON(http.StatusOK, next)
	}
}

func (s *Server) handleListReports(c *gin.Context) {
	nsID, name := c.Param("ns"), c.Param("name")
	limit := 20
	ctx := c.Request.Context()
	reports, err := s.store.ListRecentReports(ctx, ports.ClusterKey{NsID: nsID, ClusterID: name}, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}
