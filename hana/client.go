// Package hana runs read-only diagnostic queries against HANA system views.
// Connections are opened lazily per endpoint and reused; all queries go
// through database/sql so tests can substitute a mock connection.
package hana

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	// Registers the "hdb" driver.
	_ "github.com/SAP/go-hdb/driver"

	"github.com/azsap/sapops/config"
	"github.com/azsap/sapops/registry"
)

// Client hands out HANA SQL connections per system id. A system may carry
// two connection classes: the primary endpoint and, on multi-container
// systems, a tenant database endpoint.
type Client struct {
	endpoints map[string]config.HANAEndpointConfig
	registry  *registry.Registry
	logger    *slog.Logger

	mu  sync.Mutex
	dbs map[connKey]*sql.DB
}

type connKey struct {
	system string
	tenant bool
}

func (k connKey) String() string {
	if k.tenant {
		return k.system + "/tenant"
	}
	return k.system
}

// NewClient builds a client from the hana config section. The registry is
// consulted when an endpoint omits its host: the database component's SSH
// hostname is reused.
func NewClient(cfg *config.HANAConfig, reg *registry.Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	endpoints := map[string]config.HANAEndpointConfig{}
	if cfg != nil {
		endpoints = cfg.Systems
	}
	return &Client{
		endpoints: endpoints,
		registry:  reg,
		logger:    logger,
		dbs:       make(map[connKey]*sql.DB),
	}
}

// NewClientWithDB returns a client bound to an externally constructed
// connection for one system. Tests use it with sqlmock.
func NewClientWithDB(systemID string, db *sql.DB) *Client {
	return &Client{
		endpoints: map[string]config.HANAEndpointConfig{},
		logger:    slog.Default(),
		dbs:       map[connKey]*sql.DB{{system: systemID}: db},
	}
}

// Close closes every open connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, db := range c.dbs {
		if err := db.Close(); err != nil {
			c.logger.Warn("closing hana connection", "endpoint", key.String(), "error", err)
		}
		delete(c.dbs, key)
	}
}

// db returns the connection for the system and class, opening it on first
// use. With tenant set the tenant endpoint is used; its unset fields fall
// back to the primary endpoint.
func (c *Client) db(systemID string, tenant bool) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := connKey{system: systemID, tenant: tenant}
	if db, ok := c.dbs[key]; ok {
		return db, nil
	}

	endpoint, ok := c.endpoints[systemID]
	if !ok {
		return nil, fmt.Errorf("no hana endpoint configured for system %q", systemID)
	}
	if tenant {
		endpoint = endpoint.Tenant()
	}
	host := endpoint.Host
	if host == "" {
		host = c.databaseHost(systemID)
	}
	if host == "" {
		return nil, fmt.Errorf("hana endpoint for system %q has no host and no database component provides one", systemID)
	}

	db, err := sql.Open("hdb", dsn(host, endpoint.Port, endpoint.User, endpoint.Password))
	if err != nil {
		return nil, fmt.Errorf("open hana connection for %q: %w", key.String(), err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	c.dbs[key] = db
	c.logger.Debug("opened hana connection", "endpoint", key.String(), "host", host, "port", endpoint.Port)
	return db, nil
}

// databaseHost finds the SSH hostname of the system's database component.
func (c *Client) databaseHost(systemID string) string {
	if c.registry == nil {
		return ""
	}
	sys, err := c.registry.LookupSystem(systemID)
	if err != nil {
		return ""
	}
	for _, comp := range sys.Components() {
		if comp.Type == config.ComponentTypeDatabase && comp.Shell != nil {
			return comp.Shell.Hostname
		}
	}
	return ""
}

func dsn(host string, port int, user, password string) string {
	u := url.URL{
		Scheme: "hdb",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	return u.String()
}
