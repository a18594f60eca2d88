// Package client is the FlameStore client library. A Client owns its
// own transport engine so the master (or a worker, under the
// distributed backend) can move model bytes directly against the
// buffers the client exposes.
package client

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mdorier/flamestore/internal/membership"
	"github.com/mdorier/flamestore/internal/server"
	"github.com/mdorier/flamestore/internal/transport"
	"github.com/mdorier/flamestore/pkg/status"
)

// Client talks to one FlameStore master.
type Client struct {
	engine *transport.Engine
	master string
}

// New connects a client to the master at addr. The client binds its
// own ephemeral endpoint for one-sided transfers.
func New(masterAddr string, log *logrus.Logger) (*Client, error) {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.WarnLevel)
	}
	engine, err := transport.NewEngine("127.0.0.1:0", log)
	if err != nil {
		return nil, fmt.Errorf("starting client engine: %w", err)
	}
	return &Client{engine: engine, master: masterAddr}, nil
}

// Connect discovers the master through the workspace the master
// published itself under.
func Connect(workspace string, log *logrus.Logger) (*Client, error) {
	addr, err := membership.ReadMasterAddr(workspace)
	if err != nil {
		return nil, err
	}
	return New(addr, log)
}

// Close releases the client's endpoint.
func (c *Client) Close() {
	c.engine.Finalize()
}

// Register creates a model. Size is the byte size of the model's
// payload; the bytes themselves are written later with Write.
func (c *Client) Register(ctx context.Context, name, config string, size uint64, signature string) (status.Status, error) {
	var st status.Status
	err := c.engine.Call(ctx, c.master, server.RPCRegisterModel, server.RegisterModelArgs{
		ClientAddr: c.engine.Addr(),
		Name:       name,
		Config:     config,
		Size:       size,
		Signature:  signature,
	}, &st)
	return st, err
}

// Reload fetches a model's config; on OK the config is the status
// message.
func (c *Client) Reload(ctx context.Context, name string) (status.Status, error) {
	var st status.Status
	err := c.engine.Call(ctx, c.master, server.RPCReloadModel, server.ReloadModelArgs{
		ClientAddr: c.engine.Addr(),
		Name:       name,
	}, &st)
	return st, err
}

// Write stores data as the model's payload. len(data) must equal the
// registered size; the transfer is pulled from the client's memory by
// the storage side.
func (c *Client) Write(ctx context.Context, name, signature string, data []byte) (status.Status, error) {
	bulk := c.engine.Expose(data, transport.BulkReadOnly)
	defer c.engine.Release(bulk)
	var st status.Status
	err := c.engine.Call(ctx, c.master, server.RPCWriteModelData, server.ModelDataArgs{
		ClientAddr: c.engine.Addr(),
		Name:       name,
		Signature:  signature,
		Bulk:       bulk,
		Size:       uint64(len(data)),
	}, &st)
	return st, err
}

// Read fills buf with the model's payload. len(buf) must equal the
// registered size; the transfer is pushed into the client's memory by
// the storage side.
func (c *Client) Read(ctx context.Context, name, signature string, buf []byte) (status.Status, error) {
	bulk := c.engine.Expose(buf, transport.BulkWriteOnly)
	defer c.engine.Release(bulk)
	var st status.Status
	err := c.engine.Call(ctx, c.master, server.RPCReadModelData, server.ModelDataArgs{
		ClientAddr: c.engine.Addr(),
		Name:       name,
		Signature:  signature,
		Bulk:       bulk,
		Size:       uint64(len(buf)),
	}, &st)
	return st, err
}

// Duplicate copies an existing model under a new name.
func (c *Client) Duplicate(ctx context.Context, name, newName string) (status.Status, error) {
	var st status.Status
	err := c.engine.Call(ctx, c.master, server.RPCDupModel, server.DupModelArgs{
		Name:    name,
		NewName: newName,
	}, &st)
	return st, err
}

// Shutdown asks the master to drain its workers and stop. The reply
// arrives before the master's engine goes away.
func (c *Client) Shutdown(ctx context.Context) (status.Status, error) {
	var st status.Status
	err := c.engine.Call(ctx, c.master, server.RPCShutdown, nil, &st)
	return st, err
}
