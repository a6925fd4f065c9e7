// Package main — cmd/pluginkctl/main.go
//
// pluginkctl is a thin CLI client for the daemon's control socket
// (internal/control), speaking the same newline-delimited JSON protocol
// the socket server implements.
//
// Usage:
//
//	pluginkctl -socket /run/plugink/control.sock list-plugins
//	pluginkctl -socket /run/plugink/control.sock -plugin <id> -function run -args 1,2,3 invoke-plugin
//	pluginkctl -socket /run/plugink/control.sock -limit 20 show-audit
//
// All flags must precede the command: flag parsing stops at the first
// non-flag argument.
//
// Exit codes mirror internal/control.ExitCode: 0 success, 1 user error,
// 2 plugin error, 3 policy denial, 4 internal error.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/plugink/plugink/internal/control"
	"github.com/plugink/plugink/internal/ids"
)

func main() {
	socketPath := flag.String("socket", "/run/plugink/control.sock", "Control socket path")
	pluginID := flag.String("plugin", "", "Plugin id (invoke-plugin)")
	function := flag.String("function", "", "Function name (invoke-plugin)")
	args := flag.String("args", "", "Comma-separated uint64 args (invoke-plugin)")
	workflowID := flag.String("workflow-id", "", "Workflow id")
	executionID := flag.String("execution-id", "", "Execution id")
	limit := flag.Int("limit", 0, "Result limit (show-audit)")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: pluginkctl [flags] <command>")
		os.Exit(int(control.ExitUserError))
	}
	cmd := flag.Arg(0)

	req := control.Request{Cmd: cmd, Limit: *limit}

	if *pluginID != "" {
		id, err := ids.ParsePluginId(*pluginID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -plugin: %v\n", err)
			os.Exit(int(control.ExitUserError))
		}
		req.Plugin = id
	}
	if *function != "" {
		req.Function = *function
	}
	if *args != "" {
		for _, tok := range strings.Split(*args, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(tok), 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid -args entry %q: %v\n", tok, err)
				os.Exit(int(control.ExitUserError))
			}
			req.Args = append(req.Args, v)
		}
	}
	if *workflowID != "" {
		id, err := ids.ParseWorkflowId(*workflowID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -workflow-id: %v\n", err)
			os.Exit(int(control.ExitUserError))
		}
		req.WorkflowID = id
	}
	if *executionID != "" {
		id, err := ids.ParseExecutionId(*executionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -execution-id: %v\n", err)
			os.Exit(int(control.ExitUserError))
		}
		req.ExecutionID = id
	}

	resp, err := send(*socketPath, req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pluginkctl: %v\n", err)
		os.Exit(int(control.ExitInternalError))
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	os.Exit(int(resp.Exit))
}

func send(socketPath string, req control.Request, timeout time.Duration) (control.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return control.Response{}, fmt.Errorf("dial %q: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return control.Response{}, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return control.Response{}, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return control.Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp control.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return control.Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp, nil
}
