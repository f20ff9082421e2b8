package app

import (
	"encoding/json"
	"fmt"
	"net"

	"go.ocapkernel.dev/kernel/internal/vat"
)

// client is a short-lived connection to kerneld's façade socket: one dial,
// one request, one reply, then close. The façade protocol doesn't pipeline
// host-side calls, so there's no benefit to keeping the connection open
// across invocations of the CLI.
type client struct {
	socketPath string
}

func newClient(socketPath string) *client {
	return &client{socketPath: socketPath}
}

func (c *client) call(method string, params any, out any) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("kernelctl: failed to connect to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	stream := vat.NewStream(conn)
	id, err := stream.Request(method, params)
	if err != nil {
		return err
	}

	for {
		msg, err := stream.ReadMessage()
		if err != nil {
			return fmt.Errorf("kernelctl: connection to kerneld closed: %w", err)
		}
		if msg.ID == nil || *msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		return json.Unmarshal(msg.Result, out)
	}
}
