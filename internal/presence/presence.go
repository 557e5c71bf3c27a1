// Package presence pushes ambient state to live connections: admin pool
// online/offline transitions and session refresh signals. Delivery is best effort.
package presence

import (
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/metrics"
	"github.com/ironfuel/livechat/internal/registry"
	"github.com/ironfuel/livechat/internal/util"
)

// Broadcaster fans server events out to registry connections.
type Broadcaster struct {
	registry *registry.Registry
	logger   *logging.Logger
}

// NewBroadcaster creates a Broadcaster over reg.
func NewBroadcaster(reg *registry.Registry, logger *logging.Logger) *Broadcaster {
	return &Broadcaster{
		registry: reg,
		logger:   logger.WithGroup("presence"),
	}
}

// Attach subscribes the broadcaster to the registry's presence transitions.
func (b *Broadcaster) Attach() {
	b.registry.OnPresenceChange(func(online bool) {
		b.AdminPresenceChanged(online)
	})
}

// NotifyAdmins pushes ev to every admin connection and returns how many accepted it.
func (b *Broadcaster) NotifyAdmins(ev message.ServerEvent) int {
	return b.sendAll(b.registry.AllAdminConnections(), ev, "admin")
}

// NotifyCustomer pushes ev to every connection of customerID.
func (b *Broadcaster) NotifyCustomer(customerID string, ev message.ServerEvent) int {
	return b.sendAll(b.registry.ConnectionsForCustomer(customerID), ev, "customer")
}

// RefreshChats tells admin consoles that customerID's session changed.
func (b *Broadcaster) RefreshChats(customerID string, last *message.Message) int {
	return b.NotifyAdmins(message.RefreshChats{CustomerID: customerID, LastMessage: last})
}

// AdminPresenceChanged tells every connection, customers included, whether an admin is available.
func (b *Broadcaster) AdminPresenceChanged(online bool) int {
	return b.sendAll(b.registry.AllConnections(), message.AdminPresenceChanged{Online: online}, "all")
}

// SendPresenceTo gives a newly connected client the current presence state.
func (b *Broadcaster) SendPresenceTo(conn registry.Conn) bool {
	return Send(conn, message.AdminPresenceChanged{Online: b.registry.AdminOnline()}, b.logger)
}

// Send encodes ev and queues it on conn. A refused frame is logged and counted, never returned.
func Send(conn registry.Conn, ev message.ServerEvent, logger *logging.Logger) bool {
	data, err := message.EncodeServerEvent(ev)
	if err != nil {
		util.LogError(logger, "presence", "encode server event", err, "kind", ev.Kind())
		return false
	}
	if !conn.SafeSend(data) {
		metrics.DeliveriesDropped.WithLabelValues("direct").Inc()
		logger.Warn("Dropped event for stale connection",
			"connection_id", conn.GetConnectionID(),
			"kind", ev.Kind())
		return false
	}
	return true
}

func (b *Broadcaster) sendAll(conns []registry.Conn, ev message.ServerEvent, audience string) int {
	if len(conns) == 0 {
		return 0
	}

	data, err := message.EncodeServerEvent(ev)
	if err != nil {
		util.LogError(b.logger, "presence", "encode server event", err, "kind", ev.Kind())
		return 0
	}

	delivered := 0
	for _, c := range conns {
		if c.SafeSend(data) {
			delivered++
			continue
		}
		metrics.DeliveriesDropped.WithLabelValues(audience).Inc()
		b.logger.Warn("Dropped event for stale connection",
			"connection_id", c.GetConnectionID(),
			"kind", ev.Kind(),
			"audience", audience)
	}

	b.logger.Debug("Event broadcast",
		"kind", ev.Kind(),
		"audience", audience,
		"delivered", delivered,
		"targets", len(conns))
	return delivered
}
