// Package registry tracks which live connections belong to which customer,
// which connections form the admin pool, and whether any admin is online.
package registry

import (
	"errors"
	"sync"

	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/metrics"
)

// Role identifies the side of the chat a connection speaks for.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

var (
	// ErrRegistryClosed is returned by registrations after Close
	ErrRegistryClosed = errors.New("connection registry is closed")
	// ErrConnectionBound is returned when a connection is re-registered under a different identity
	ErrConnectionBound = errors.New("connection is already bound to a different identity")
	// ErrInvalidConnection is returned for a nil connection or an empty ID
	ErrInvalidConnection = errors.New("connection must be non-nil with an ID")
)

// Conn is the transport side of a registered connection.
type Conn interface {
	GetConnectionID() string
	// SafeSend queues data without blocking and reports whether it was accepted.
	SafeSend(data []byte) bool
}

// Binding describes one registered connection.
type Binding struct {
	ConnectionID string
	Role         Role
	CustomerID   string
	Conn         Conn
}

// PresenceListener is told about admin pool transitions, in order.
// Listeners must not register or unregister connections.
type PresenceListener func(online bool)

// Registry is safe for concurrent use. Queries return snapshots, so callers
// may iterate them while other goroutines register and unregister.
type Registry struct {
	mu        sync.RWMutex
	bindings  map[string]Binding
	admins    map[string]Conn
	customers map[string]map[string]Conn
	closed    bool

	// presenceMu orders admin-set changes together with their notifications,
	// so listeners never see online/offline out of order.
	presenceMu sync.Mutex
	listeners  []PresenceListener

	logger *logging.Logger
}

// New creates an empty registry.
func New(logger *logging.Logger) *Registry {
	return &Registry{
		bindings:  make(map[string]Binding),
		admins:    make(map[string]Conn),
		customers: make(map[string]map[string]Conn),
		logger:    logger.WithGroup("registry"),
	}
}

// OnPresenceChange adds a listener for admin online/offline transitions.
func (r *Registry) OnPresenceChange(listener PresenceListener) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// RegisterCustomerConnection binds conn to customerID. Registering the same
// binding twice is a no-op.
func (r *Registry) RegisterCustomerConnection(conn Conn, customerID string) error {
	// No else needed: early return pattern (guard clause)
	if conn == nil || conn.GetConnectionID() == "" || customerID == "" {
		return ErrInvalidConnection
	}
	connID := conn.GetConnectionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if existing, ok := r.bindings[connID]; ok {
		if existing.Role == RoleCustomer && existing.CustomerID == customerID {
			return nil
		}
		return ErrConnectionBound
	}

	r.bindings[connID] = Binding{ConnectionID: connID, Role: RoleCustomer, CustomerID: customerID, Conn: conn}
	if r.customers[customerID] == nil {
		r.customers[customerID] = make(map[string]Conn)
	}
	r.customers[customerID][connID] = conn
	metrics.WebSocketConnections.WithLabelValues(string(RoleCustomer)).Inc()

	r.logger.Debug("Customer connection registered",
		"connection_id", connID,
		"customer_id", customerID,
		"customer_connections", len(r.customers[customerID]))
	return nil
}

// RegisterAdminConnection adds conn to the admin pool. The first admin
// connection fires an online transition.
func (r *Registry) RegisterAdminConnection(conn Conn) error {
	// No else needed: early return pattern (guard clause)
	if conn == nil || conn.GetConnectionID() == "" {
		return ErrInvalidConnection
	}
	connID := conn.GetConnectionID()

	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if existing, ok := r.bindings[connID]; ok {
		r.mu.Unlock()
		if existing.Role == RoleAdmin {
			return nil
		}
		return ErrConnectionBound
	}

	r.bindings[connID] = Binding{ConnectionID: connID, Role: RoleAdmin, Conn: conn}
	r.admins[connID] = conn
	count := len(r.admins)
	r.mu.Unlock()

	metrics.WebSocketConnections.WithLabelValues(string(RoleAdmin)).Inc()
	metrics.AdminsOnline.Set(float64(count))

	r.logger.Info("Admin connection registered",
		"connection_id", connID,
		"admins_online", count)

	if count == 1 {
		r.notifyLocked(true)
	}
	return nil
}

// UnregisterConnection drops any binding for connID. Unknown IDs are a no-op.
// Removing the last admin connection fires an offline transition.
func (r *Registry) UnregisterConnection(connID string) (Binding, bool) {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	r.mu.Lock()
	b, ok := r.bindings[connID]
	if !ok {
		r.mu.Unlock()
		return Binding{}, false
	}
	delete(r.bindings, connID)

	wentOffline := false
	switch b.Role {
	case RoleAdmin:
		delete(r.admins, connID)
		wentOffline = len(r.admins) == 0
		metrics.AdminsOnline.Set(float64(len(r.admins)))
	case RoleCustomer:
		if conns := r.customers[b.CustomerID]; conns != nil {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.customers, b.CustomerID)
			}
		}
	}
	r.mu.Unlock()

	metrics.WebSocketConnections.WithLabelValues(string(b.Role)).Dec()

	r.logger.Debug("Connection unregistered",
		"connection_id", connID,
		"role", b.Role,
		"customer_id", b.CustomerID)

	if wentOffline {
		r.notifyLocked(false)
	}
	return b, true
}

// Lookup returns the binding for connID.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[connID]
	return b, ok
}

// ConnectionsForCustomer returns the live connections bound to customerID.
func (r *Registry) ConnectionsForCustomer(customerID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.customers[customerID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// AllAdminConnections returns the current admin pool.
func (r *Registry) AllAdminConnections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.admins))
	for _, c := range r.admins {
		out = append(out, c)
	}
	return out
}

// AllConnections returns every registered connection regardless of role.
func (r *Registry) AllConnections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.Conn)
	}
	return out
}

// AdminOnline reports whether at least one admin connection is registered.
func (r *Registry) AdminOnline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.admins) > 0
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Close empties the registry and rejects further registrations. It returns
// the connections that were registered so the caller can close them.
// Listeners are not notified: the whole process is going away.
func (r *Registry) Close() []Conn {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	out := make([]Conn, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.Conn)
		metrics.WebSocketConnections.WithLabelValues(string(b.Role)).Dec()
	}
	r.bindings = make(map[string]Binding)
	r.admins = make(map[string]Conn)
	r.customers = make(map[string]map[string]Conn)
	metrics.AdminsOnline.Set(0)

	r.logger.Info("Connection registry closed", "connections", len(out))
	return out
}

// notifyLocked runs listeners; presenceMu must be held.
func (r *Registry) notifyLocked(online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	metrics.PresenceTransitions.WithLabelValues(state).Inc()
	r.logger.Info("Admin presence changed", "online", online)

	for _, l := range r.listeners {
		l(online)
	}
}
