package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// Local control socket
// ============================================================================
// keftrol-ctl, scripts and home automation talk to the engine over a unix
// socket, one JSON object per line in each direction:
//
//   -> {"type": "set_volume", "data": {"volume": 40}}
//   <- {"status": "ok", "state": {...}}  |  {"status": "error", "error": "..."}
//
// "ok" only says the engine queued the request. The returned state is the
// cached snapshot at reply time, which may not include it yet.
// ============================================================================

// IPCResponse is one reply line.
type IPCResponse struct {
	Status string       `json:"status"`          // "ok" or "error"
	Error  string       `json:"error,omitempty"` // error message if status == "error"
	State  *DeviceState `json:"state,omitempty"`
}

// Controller is what the presentation layer needs from the engine.
type Controller interface {
	Dispatch(ev Event) bool
	CurrentSnapshot() DeviceState
}

var _ Controller = (*Engine)(nil)

// runIPCServer accepts control connections on socketPath until ctx is
// canceled.
func runIPCServer(ctx context.Context, socketPath string, ctl Controller, logger *slog.Logger) error {
	// Remove a stale socket file left by a previous run.
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("control socket ready", "socket", socketPath)

	// Unblocks Accept on shutdown.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("control socket closed")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}

			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(conn, ctl, logger.With("conn", uuid.NewString()))
	}
}

// handleIPCConnection serves one client until it disconnects.
func handleIPCConnection(conn net.Conn, ctl Controller, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := handleIPCRequest([]byte(line), ctl)
		if resp.Status != "ok" {
			logger.Warn("IPC request rejected", "error", resp.Error)
		}
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// handleIPCRequest decodes one envelope and hands it to the engine.
func handleIPCRequest(line []byte, ctl Controller) IPCResponse {
	ev, err := UnmarshalEvent(line)
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse event: %v", err)}
	}

	if _, ok := ev.(StateQuery); !ok {
		if !ctl.Dispatch(ev) {
			return IPCResponse{Status: "error", Error: "engine stopped"}
		}
	}

	snap := ctl.CurrentSnapshot()
	return IPCResponse{Status: "ok", State: &snap}
}
