package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/bus"
	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
	"github.com/plugink/plugink/internal/plugin"
)

// hostCallHandlers implements isolation.HostCallHandlers: the I/O side of
// every host call once the Gate has already authorized it. It holds no
// authorization logic of its own — by the time any method here runs, the
// Capability Kernel and Policy Engine have both already said yes.
type hostCallHandlers struct {
	log     *zap.Logger
	bus     *bus.Bus
	manager *plugin.Manager

	netDialTimeout time.Duration
}

func newHostCallHandlers(log *zap.Logger, b *bus.Bus, manager *plugin.Manager) *hostCallHandlers {
	return &hostCallHandlers{log: log, bus: b, manager: manager, netDialTimeout: 10 * time.Second}
}

func (h *hostCallHandlers) ReadFile(ctx context.Context, pluginID ids.PluginId, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyIsolation, errs.IsolationMemoryAccess, "hostCallHandlers.ReadFile", path, err)
	}
	return data, nil
}

func (h *hostCallHandlers) WriteFile(ctx context.Context, pluginID ids.PluginId, path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.WrapDetail(errs.FamilyIsolation, errs.IsolationMemoryAccess, "hostCallHandlers.WriteFile", path, err)
	}
	return nil
}

// NetworkRequest opens a plain TCP connection, writes payload, and reads
// whatever the remote end sends back (up to 1 MiB) before it closes the
// connection or the deadline (ctx's, else netDialTimeout) passes. Plugins that need a richer protocol (HTTP,
// TLS, framed RPC) build it on top of this raw byte pipe themselves —
// the host call only brokers the authorized socket.
func (h *hostCallHandlers) NetworkRequest(ctx context.Context, pluginID ids.PluginId, host string, port int, payload []byte) ([]byte, error) {
	d := net.Dialer{Timeout: h.netDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, errs.WrapDetail(errs.FamilyMessaging, errs.MessagingDeliveryFailed, "hostCallHandlers.NetworkRequest", fmt.Sprintf("%s:%d", host, port), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(h.netDialTimeout))
	}

	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return nil, errs.WrapDetail(errs.FamilyMessaging, errs.MessagingDeliveryFailed, "hostCallHandlers.NetworkRequest", "write", err)
		}
	}

	data, err := io.ReadAll(io.LimitReader(conn, 1<<20))
	if err != nil && len(data) == 0 {
		return nil, errs.WrapDetail(errs.FamilyMessaging, errs.MessagingDeliveryFailed, "hostCallHandlers.NetworkRequest", "read", err)
	}
	return data, nil
}

func (h *hostCallHandlers) PublishMessage(ctx context.Context, pluginID ids.PluginId, topic string, payload []byte) error {
	h.bus.Publish(pluginID, topic, payload, 0)
	return nil
}

func (h *hostCallHandlers) SendMessage(ctx context.Context, pluginID ids.PluginId, target ids.PluginId, payload []byte) error {
	_, err := h.bus.SendDirect(pluginID, target, payload, 0)
	return err
}

func (h *hostCallHandlers) CallPlugin(ctx context.Context, pluginID ids.PluginId, target ids.PluginId, function string, args []byte) ([]byte, error) {
	return h.manager.InvokeBytes(ctx, target, function, args)
}
