// Package hooks is the policy-hook registry run after finalize. Hooks are an
// extension point, never a gate: their status is reported, not propagated.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
)

// Standard post-operation hook names.
const (
	DataObjClosePost  = "pep_data_obj_close_post"
	DataObjPutPost    = "pep_data_obj_put_post"
	DataObjRepairPost = "pep_data_obj_repair_post"
)

const (
	// DefaultStatus is reported when no hook is registered under a name.
	DefaultStatus = 0
	// PanicStatus is reported when a hook panics.
	PanicStatus = -1101000
)

// Context is what a hook sees about the finished operation.
type Context struct {
	HookName        string           `json:"hook_name"`
	User            string           `json:"user"`
	Zone            string           `json:"zone"`
	ObjPath         string           `json:"obj_path"`
	Purpose         string           `json:"purpose,omitempty"`
	Descriptor      int              `json:"descriptor"`
	CondInput       condinput.Map    `json:"cond_input,omitempty"`
	Replica         replica.Metadata `json:"replica"`
	OperationStatus int              `json:"operation_status"`
}

// Hook runs a named extension and returns its status.
type Hook func(ctx context.Context, hc Context) int

// Registry maps hook names to hooks. A name may carry several hooks; they
// run in registration order and the first non-zero status wins.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string][]Hook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string][]Hook)}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[name] = append(r.hooks[name], fn)
}

// Names returns the names with at least one hook.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the hooks registered under name. An unregistered name is a
// no-op returning DefaultStatus.
func (r *Registry) Invoke(ctx context.Context, name string, hc Context) int {
	r.mu.RLock()
	fns := append([]Hook(nil), r.hooks[name]...)
	r.mu.RUnlock()

	if len(fns) == 0 {
		metrics.HookInvocationsTotal.WithLabelValues(name, "unregistered").Inc()
		return DefaultStatus
	}

	hc.HookName = name
	status := DefaultStatus
	for _, fn := range fns {
		if s := runHook(ctx, name, fn, hc); s != DefaultStatus && status == DefaultStatus {
			status = s
		}
	}

	result := "ok"
	if status != DefaultStatus {
		result = "nonzero"
		slog.Warn("Policy hook reported failure", "hook", name, "status", status, "path", hc.ObjPath)
	}
	metrics.HookInvocationsTotal.WithLabelValues(name, result).Inc()
	return status
}

func runHook(ctx context.Context, name string, fn Hook, hc Context) (status int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Policy hook panicked", "hook", name, "panic", fmt.Sprint(r))
			metrics.HookInvocationsTotal.WithLabelValues(name, "panic").Inc()
			status = PanicStatus
		}
	}()
	return fn(ctx, hc)
}

// AuditLog records every invocation as a structured log line.
func AuditLog() Hook {
	return func(ctx context.Context, hc Context) int {
		slog.Info("Policy hook",
			"hook", hc.HookName,
			"user", hc.User,
			"zone", hc.Zone,
			"path", hc.ObjPath,
			"purpose", hc.Purpose,
			"fd", hc.Descriptor,
			"data_id", hc.Replica.DataID,
			"replica_number", hc.Replica.ReplicaNumber,
			"replica_status", hc.Replica.Status.String(),
			"size", hc.Replica.Size,
			"checksum", hc.Replica.Checksum,
			"operation_status", strconv.Itoa(hc.OperationStatus),
		)
		return DefaultStatus
	}
}
