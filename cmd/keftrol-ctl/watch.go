package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// watch prints every state frame from the daemon's state websocket until ctx is
// canceled or the connection drops.
func watch(ctx context.Context, wsURL string, out io.Writer) error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on cancel.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := printFrame(out, msg); err != nil {
			return err
		}
	}
}

func printFrame(out io.Writer, msg []byte) error {
	var f wsFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case "state_init", "state_changed":
		var s deviceState
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return fmt.Errorf("decode %s: %w", f.Type, err)
		}
		kind := "CHANGED"
		if f.Type == "state_init" {
			kind = "INIT"
		}
		fmt.Fprintln(out, renderChange(kind, s))

	case "error":
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(f.Data, &e)
		fmt.Fprintln(out, errorStyle.Render("[ERROR] "+e.Error))

	default:
		fmt.Fprintf(out, "[%s] %s\n", f.Type, f.Data)
	}
	return nil
}
