// Package control — server.go
//
// Unix domain socket server exposing the runtime's operator/CLI surface
// (spec.md §6): load-plugin, list-plugins, invoke-plugin, load-workflow,
// start-workflow, status-workflow, pause/resume/cancel-workflow,
// grant-capability, revoke-capability, show-audit.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/plugink/control.sock (configurable).
// Permissions: 0600, owned by the daemon's user.
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 8.
//   - Max request size: 1 MiB (plugin manifests + small inline source).
//   - Connection timeout: 30s read, 30s write.
//   - Every command that mutates state is written to the audit ledger by
//     the component it calls through (Kernel, Manager, Executor), not by
//     this package directly.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/audit"
	"github.com/plugink/plugink/internal/capability"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/manifest"
	"github.com/plugink/plugink/internal/plugin"
	"github.com/plugink/plugink/internal/workflow"
)

const (
	maxConcurrentConns = 8
	maxRequestBytes     = 1 << 20
	connTimeout         = 30 * time.Second
)

// ExitCode mirrors the CLI surface's documented exit codes (spec.md §6).
type ExitCode int

const (
	ExitSuccess       ExitCode = 0
	ExitUserError     ExitCode = 1
	ExitPluginError   ExitCode = 2
	ExitPolicyDenial  ExitCode = 3
	ExitInternalError ExitCode = 4
)

// Request is the JSON structure for one control command.
type Request struct {
	Cmd string `json:"cmd"`

	// load-plugin
	Manifest manifest.Manifest `json:"manifest,omitempty"`
	Source   []byte            `json:"source,omitempty"` // raw plugin binary, base64 over JSON

	// invoke-plugin
	Plugin   ids.PluginId `json:"plugin,omitempty"`
	Function string       `json:"function,omitempty"`
	Args     []uint64     `json:"args,omitempty"`

	// load-workflow / start-workflow / status-workflow / pause|resume|cancel-workflow
	Workflow       *workflow.Workflow `json:"workflow,omitempty"`
	WorkflowID     ids.WorkflowId     `json:"workflow_id,omitempty"`
	ExecutionID    ids.ExecutionId    `json:"execution_id,omitempty"`
	InitialContext json.RawMessage    `json:"initial_context,omitempty"`

	// grant-capability / revoke-capability
	Capability   manifest.CapabilitySpec `json:"capability,omitempty"`
	CapabilityID ids.CapabilityId        `json:"capability_id,omitempty"`

	// show-audit
	Limit int `json:"limit,omitempty"`
}

// Response is the JSON structure for one control command's result.
type Response struct {
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	Exit       ExitCode         `json:"exit"`
	Plugin     *ids.Plugin      `json:"plugin,omitempty"`
	Plugins    []ids.Plugin     `json:"plugins,omitempty"`
	Results    []uint64         `json:"results,omitempty"`
	Status     *workflow.ExecutionStatus `json:"status,omitempty"`
	ExecutionID *ids.ExecutionId `json:"execution_id,omitempty"`
	CapabilityID *ids.CapabilityId `json:"capability_id,omitempty"`
	Audit      []audit.Record   `json:"audit,omitempty"`
}

// Server is the control-surface Unix domain socket server.
type Server struct {
	socketPath string
	log        *zap.Logger
	sem        chan struct{}

	manager  *plugin.Manager
	executor *workflow.Executor
	kernel   *capability.Kernel
	ledger   *audit.Ledger
}

// New constructs a Server wired to the components the CLI surface
// drives through.
func New(socketPath string, log *zap.Logger, manager *plugin.Manager, executor *workflow.Executor, kernel *capability.Kernel, ledger *audit.Ledger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		socketPath: socketPath,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
		manager:    manager,
		executor:   executor,
		kernel:     kernel,
		ledger:     ledger,
	}
}

// ListenAndServe starts the control socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("control: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				s.log.Error("control: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("control: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("control: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error(), Exit: ExitUserError})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "load-plugin":
		return s.cmdLoadPlugin(ctx, req)
	case "list-plugins":
		return s.cmdListPlugins()
	case "invoke-plugin":
		return s.cmdInvokePlugin(ctx, req)
	case "load-workflow":
		return s.cmdLoadWorkflow(req)
	case "start-workflow":
		return s.cmdStartWorkflow(ctx, req)
	case "status-workflow":
		return s.cmdStatusWorkflow(req)
	case "cancel-workflow":
		return s.cmdCancelWorkflow(req)
	case "pause-workflow", "resume-workflow":
		return Response{OK: false, Error: fmt.Sprintf("%s is not supported: the executor's scheduling loop has no suspend point between node dispatch and completion (see DESIGN.md)", req.Cmd), Exit: ExitUserError}
	case "grant-capability":
		return s.cmdGrantCapability(req)
	case "revoke-capability":
		return s.cmdRevokeCapability(req)
	case "show-audit":
		return s.cmdShowAudit(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd), Exit: ExitUserError}
	}
}

func (s *Server) cmdLoadPlugin(ctx context.Context, req Request) Response {
	id, err := s.manager.Load(ctx, req.Manifest, req.Source)
	if err != nil {
		return Response{OK: false, Error: err.Error(), Exit: ExitPluginError}
	}
	rec, _ := s.manager.Get(id)
	return Response{OK: true, Exit: ExitSuccess, Plugin: &rec}
}

func (s *Server) cmdListPlugins() Response {
	return Response{OK: true, Exit: ExitSuccess, Plugins: s.manager.List()}
}

func (s *Server) cmdInvokePlugin(ctx context.Context, req Request) Response {
	results, err := s.manager.Invoke(ctx, req.Plugin, req.Function, req.Args...)
	if err != nil {
		return Response{OK: false, Error: err.Error(), Exit: ExitPluginError}
	}
	return Response{OK: true, Exit: ExitSuccess, Results: results}
}

func (s *Server) cmdLoadWorkflow(req Request) Response {
	if req.Workflow == nil {
		return Response{OK: false, Error: "workflow is required", Exit: ExitUserError}
	}
	if err := s.executor.Register(req.Workflow); err != nil {
		return Response{OK: false, Error: err.Error(), Exit: ExitUserError}
	}
	return Response{OK: true, Exit: ExitSuccess}
}

func (s *Server) cmdStartWorkflow(ctx context.Context, req Request) Response {
	execID, err := s.executor.StartAsync(context.Background(), req.WorkflowID, req.InitialContext)
	if err != nil {
		return Response{OK: false, Error: err.Error(), Exit: ExitUserError}
	}
	return Response{OK: true, Exit: ExitSuccess, ExecutionID: &execID}
}

func (s *Server) cmdStatusWorkflow(req Request) Response {
	status, ok := s.executor.Status(req.ExecutionID)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("execution %s not found", req.ExecutionID), Exit: ExitUserError}
	}
	return Response{OK: true, Exit: ExitSuccess, Status: status}
}

func (s *Server) cmdCancelWorkflow(req Request) Response {
	if err := s.executor.Cancel(req.ExecutionID); err != nil {
		return Response{OK: false, Error: err.Error(), Exit: ExitUserError}
	}
	return Response{OK: true, Exit: ExitSuccess}
}

func (s *Server) cmdGrantCapability(req Request) Response {
	cap, err := req.Capability.ToCapability(nil)
	if err != nil {
		return Response{OK: false, Error: err.Error(), Exit: ExitUserError}
	}
	capID := s.kernel.Grant(req.Plugin, cap)
	return Response{OK: true, Exit: ExitSuccess, CapabilityID: &capID}
}

func (s *Server) cmdRevokeCapability(req Request) Response {
	if err := s.kernel.Revoke(req.CapabilityID); err != nil {
		return Response{OK: false, Error: err.Error(), Exit: ExitPolicyDenial}
	}
	return Response{OK: true, Exit: ExitSuccess}
}

func (s *Server) cmdShowAudit(req Request) Response {
	n := req.Limit
	if n <= 0 {
		n = 100
	}
	return Response{OK: true, Exit: ExitSuccess, Audit: s.ledger.Recent(n)}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("control: marshal response failed", zap.Error(err))
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
