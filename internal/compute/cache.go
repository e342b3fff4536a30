package compute

import (
	"errors"
	"sync"

	"google.golang.org/grpc"
)

// ConnCache keeps one client connection per address.
type ConnCache struct {
	mu      sync.RWMutex
	entries map[string]*grpc.ClientConn
	dial    func(address string) (*grpc.ClientConn, error)
}

// NewConnCache returns an empty cache.
func NewConnCache() *ConnCache {
	return &ConnCache{
		entries: make(map[string]*grpc.ClientConn),
		dial:    dial,
	}
}

// GetOrCreate returns the connection for address, dialing it on first use.
// Uses double-checked locking to minimise lock contention.
func (c *ConnCache) GetOrCreate(address string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	if conn, ok := c.entries[address]; ok {
		c.mu.RUnlock()
		return conn, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if conn, ok := c.entries[address]; ok {
		return conn, nil
	}

	conn, err := c.dial(address)
	if err != nil {
		return nil, err
	}
	c.entries[address] = conn
	return conn, nil
}

// Evict closes and forgets the connection for address.
func (c *ConnCache) Evict(address string) {
	c.mu.Lock()
	conn, ok := c.entries[address]
	delete(c.entries, address)
	c.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Len returns the number of cached connections.
func (c *ConnCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close closes every cached connection.
func (c *ConnCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for addr, conn := range c.entries {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.entries, addr)
	}
	return errors.Join(errs...)
}
