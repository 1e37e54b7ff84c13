package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Wire types (duplicated from the daemon for a standalone binary).

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type deviceState struct {
	Source    string `json:"source"`
	Volume    int    `json:"volume"`
	Muted     bool   `json:"muted"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

type ipcResponse struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	State  *deviceState `json:"state,omitempty"`
}

const dialTimeout = 2 * time.Second

// sendRequest sends one envelope to the daemon and returns the snapshot it
// replied with.
func sendRequest(socketPath string, req envelope) (deviceState, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return deviceState{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	return exchange(conn, req)
}

// exchange writes req as one JSON line and decodes one response line.
func exchange(rw io.ReadWriter, req envelope) (deviceState, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return deviceState{}, fmt.Errorf("marshal %s: %w", req.Type, err)
	}
	if _, err := fmt.Fprintf(rw, "%s\n", data); err != nil {
		return deviceState{}, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(rw).ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return deviceState{}, fmt.Errorf("read response: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return deviceState{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return deviceState{}, fmt.Errorf("daemon error: %s", resp.Error)
	}
	if resp.State == nil {
		return deviceState{}, errors.New("daemon reply carried no state")
	}
	return *resp.State, nil
}
