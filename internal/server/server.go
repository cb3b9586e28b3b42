// Package server implements the VaultGrid admin HTTP API: catalog and replica
// state table inspection, stale-publish repair, and the recovery journal.
package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/config"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/finalize"
	"github.com/vaultgrid/vaultgrid/internal/hooks"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
	"github.com/vaultgrid/vaultgrid/internal/storage"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the VaultGrid admin HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	fin        *finalize.Finalizer
	resources  *storage.Registry
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ReadyBody reports the reachability of each dependency.
type ReadyBody struct {
	Status  string `json:"status"`
	Catalog string `json:"catalog"`
	Storage string `json:"storage"`
}

// ReadyOutput is the Huma output struct for the readiness endpoint.
type ReadyOutput struct {
	Status int
	Body   ReadyBody
}

// ReplicaView is a replica row as rendered by the API.
type ReplicaView struct {
	DataID        int64     `json:"data_id"`
	ReplicaNumber int       `json:"replica_number"`
	LogicalPath   string    `json:"logical_path"`
	Resource      string    `json:"resource"`
	PhysicalPath  string    `json:"physical_path"`
	Size          int64     `json:"size"`
	Checksum      string    `json:"checksum,omitempty"`
	Status        string    `json:"status" enum:"stale,good,intermediate,read-locked,write-locked"`
	ModifiedAt    time.Time `json:"modified_at"`
}

func viewOf(md replica.Metadata) ReplicaView {
	return ReplicaView{
		DataID:        md.DataID,
		ReplicaNumber: md.ReplicaNumber,
		LogicalPath:   md.LogicalPath,
		Resource:      md.Resource,
		PhysicalPath:  md.PhysicalPath,
		Size:          md.Size,
		Checksum:      md.Checksum,
		Status:        md.Status.String(),
		ModifiedAt:    md.ModifiedAt,
	}
}

func viewsOf(rows []replica.Metadata) []ReplicaView {
	out := make([]ReplicaView, 0, len(rows))
	for _, md := range rows {
		out = append(out, viewOf(md))
	}
	return out
}

// ReplicaListOutput lists replica rows.
type ReplicaListOutput struct {
	Body struct {
		Replicas []ReplicaView `json:"replicas"`
	}
}

// ReplicaOutput is a single replica row.
type ReplicaOutput struct {
	Body ReplicaView
}

// RSTEntryView is a staged replica state table entry.
type RSTEntryView struct {
	Key      string        `json:"key"`
	Target   ReplicaView   `json:"target"`
	Before   ReplicaView   `json:"before"`
	Siblings []ReplicaView `json:"siblings"`
}

// RSTOutput lists the replica state table.
type RSTOutput struct {
	Body struct {
		Entries []RSTEntryView `json:"entries"`
	}
}

// DescriptorView is an open descriptor.
type DescriptorView struct {
	Index        int         `json:"index"`
	User         string      `json:"user"`
	ObjPath      string      `json:"obj_path"`
	OpenType     string      `json:"open_type"`
	State        string      `json:"state"`
	Purpose      string      `json:"purpose,omitempty"`
	BytesWritten int64       `json:"bytes_written"`
	Replica      ReplicaView `json:"replica"`
}

// DescriptorsOutput lists open descriptors.
type DescriptorsOutput struct {
	Body struct {
		Descriptors []DescriptorView `json:"descriptors"`
	}
}

// FailuresOutput lists recorded stale-publish failures.
type FailuresOutput struct {
	Body struct {
		Failures []finalize.Failure `json:"failures"`
	}
}

// ReplicaPath addresses one replica.
type ReplicaPath struct {
	DataID        int64 `path:"data_id" doc:"Data object ID"`
	ReplicaNumber int   `path:"replica_number" doc:"Replica number"`
}

// RepairBody selects how a stranded entry is resolved.
type RepairBody struct {
	// Status is "stale" to force recovery, or "good" to publish a preserved
	// entry as staged.
	Status string `json:"status,omitempty" enum:"stale,good" default:"stale"`
}

// RepairInput addresses the replica whose stranded state should be resolved.
type RepairInput struct {
	ReplicaPath
	User string      `header:"X-Vaultgrid-User" default:"rods" doc:"Operator performing the repair"`
	Body *RepairBody `required:"false"`
}

// RepairOutput reports the outcome of a repair.
type RepairOutput struct {
	Body struct {
		Replica    ReplicaView `json:"replica"`
		HookStatus int         `json:"hook_status"`
	}
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithResources sets the storage registry probed by the readiness check.
func WithResources(reg *storage.Registry) ServerOption {
	return func(s *Server) {
		s.resources = reg
	}
}

// New creates a new Server and wires up the admin routes on the Chi router
// with Huma API.
func New(cfg *config.Config, fin *finalize.Finalizer, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("VaultGrid Admin API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		fin:    fin,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-ready",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness check",
		Description: "Pings the catalog and every storage resource.",
		Tags:        []string{"System"},
	}, s.ready)

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "list-replicas",
		Method:      http.MethodGet,
		Path:        "/replicas",
		Summary:     "List every replica in the catalog",
		Tags:        []string{"Catalog"},
	}, func(ctx context.Context, input *struct{}) (*ReplicaListOutput, error) {
		rows, err := s.fin.Catalog().ListAllReplicas(ctx)
		if err != nil {
			return nil, toHTTPError(err)
		}
		out := &ReplicaListOutput{}
		out.Body.Replicas = viewsOf(rows)
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-object-replicas",
		Method:      http.MethodGet,
		Path:        "/replicas/{data_id}",
		Summary:     "List the replicas of one data object",
		Tags:        []string{"Catalog"},
	}, func(ctx context.Context, input *struct {
		DataID int64 `path:"data_id"`
	}) (*ReplicaListOutput, error) {
		rows, err := s.fin.Catalog().ListReplicas(ctx, input.DataID)
		if err != nil {
			return nil, toHTTPError(err)
		}
		if len(rows) == 0 {
			return nil, huma.Error404NotFound("data object not found")
		}
		out := &ReplicaListOutput{}
		out.Body.Replicas = viewsOf(rows)
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-replica",
		Method:      http.MethodGet,
		Path:        "/replicas/{data_id}/{replica_number}",
		Summary:     "Get one replica row",
		Tags:        []string{"Catalog"},
	}, func(ctx context.Context, input *ReplicaPath) (*ReplicaOutput, error) {
		md, err := s.fin.Catalog().GetReplica(ctx, input.DataID, input.ReplicaNumber)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &ReplicaOutput{Body: viewOf(*md)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "repair-replica",
		Method:      http.MethodPost,
		Path:        "/replicas/{data_id}/{replica_number}/repair",
		Summary:     "Resolve a stranded replica state table entry",
		Description: "Publishes a preserved entry, or marks the target stale with elevated privilege.",
		Tags:        []string{"Recovery"},
	}, s.repair)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-rst",
		Method:      http.MethodGet,
		Path:        "/rst",
		Summary:     "List staged replica state table entries",
		Tags:        []string{"Recovery"},
	}, func(ctx context.Context, input *struct{}) (*RSTOutput, error) {
		out := &RSTOutput{}
		out.Body.Entries = []RSTEntryView{}
		table := s.fin.RST()
		for _, key := range table.Keys() {
			e, ok := table.Snapshot(key)
			if !ok {
				continue
			}
			out.Body.Entries = append(out.Body.Entries, RSTEntryView{
				Key:      key.String(),
				Target:   viewOf(e.Target),
				Before:   viewOf(e.Before),
				Siblings: viewsOf(e.SiblingList()),
			})
		}
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-descriptors",
		Method:      http.MethodGet,
		Path:        "/descriptors",
		Summary:     "List open descriptors",
		Tags:        []string{"Recovery"},
	}, func(ctx context.Context, input *struct{}) (*DescriptorsOutput, error) {
		out := &DescriptorsOutput{}
		out.Body.Descriptors = []DescriptorView{}
		for _, v := range s.fin.Descriptors().Views() {
			out.Body.Descriptors = append(out.Body.Descriptors, DescriptorView{
				Index:        v.Index,
				User:         v.User,
				ObjPath:      v.ObjPath,
				OpenType:     v.OpenType.String(),
				State:        v.State.String(),
				Purpose:      v.Purpose,
				BytesWritten: v.BytesWritten,
				Replica:      viewOf(v.Info),
			})
		}
		return out, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-recovery-failures",
		Method:      http.MethodGet,
		Path:        "/recovery/failures",
		Summary:     "List stale-publish failures awaiting manual repair",
		Tags:        []string{"Recovery"},
	}, func(ctx context.Context, input *struct{}) (*FailuresOutput, error) {
		out := &FailuresOutput{}
		out.Body.Failures = s.fin.Journal().List()
		if out.Body.Failures == nil {
			out.Body.Failures = []finalize.Failure{}
		}
		return out, nil
	})
}

func (s *Server) ready(ctx context.Context, input *struct{}) (*ReadyOutput, error) {
	out := &ReadyOutput{Status: http.StatusOK}
	out.Body = ReadyBody{Status: "ok", Catalog: "ok", Storage: "ok"}
	if err := s.fin.Catalog().Ping(ctx); err != nil {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "degraded"
		out.Body.Catalog = err.Error()
	}
	if s.resources != nil {
		if err := s.resources.HealthCheck(ctx); err != nil {
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "degraded"
			out.Body.Storage = err.Error()
		}
	}
	return out, nil
}

func (s *Server) repair(ctx context.Context, input *RepairInput) (*RepairOutput, error) {
	sess := session.New(input.User, s.cfg.Server.Zone)
	sess.Admin = true

	status := replica.Stale
	if input.Body != nil && input.Body.Status != "" {
		st, err := replica.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, huma.Error400BadRequest(err.Error())
		}
		status = st
	}

	var err error
	if status == replica.Stale {
		err = s.fin.StaleTargetReplicaAndPublish(ctx, sess, input.DataID, input.ReplicaNumber)
	} else {
		_, err = s.fin.PublishReplicaState(ctx, sess, input.DataID, input.ReplicaNumber, status)
	}

	md, getErr := s.fin.Catalog().GetReplica(ctx, input.DataID, input.ReplicaNumber)
	if err != nil {
		return nil, toHTTPError(err)
	}
	if getErr != nil {
		return nil, toHTTPError(getErr)
	}

	hookStatus := s.fin.Hooks().Invoke(ctx, hooks.DataObjRepairPost, hooks.Context{
		HookName: hooks.DataObjRepairPost,
		User:     sess.User,
		Zone:     sess.Zone,
		ObjPath:  md.LogicalPath,
		Purpose:  "repair",
		Replica:  *md,
	})

	out := &RepairOutput{}
	out.Body.Replica = viewOf(*md)
	out.Body.HookStatus = hookStatus
	return out, nil
}

// toHTTPError maps finalize errors onto HTTP problem responses.
func toHTTPError(err error) error {
	var fe *ferrors.FinalizeError
	if !stderrors.As(err, &fe) {
		return huma.Error500InternalServerError(err.Error())
	}
	switch {
	case stderrors.Is(err, ferrors.ErrReplicaNotFound), stderrors.Is(err, ferrors.ErrNoRSTEntry):
		return huma.Error404NotFound(err.Error())
	case stderrors.Is(err, ferrors.ErrAccessDenied):
		return huma.Error403Forbidden(err.Error())
	case stderrors.Is(err, ferrors.ErrInvalidCondInput), stderrors.Is(err, ferrors.ErrBadDescriptor):
		return huma.Error400BadRequest(err.Error())
	case stderrors.Is(err, ferrors.ErrObjectLock):
		return huma.Error409Conflict(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
