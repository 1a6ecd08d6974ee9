package driver

import (
	"sync"

	"github.com/pkg/errors"
)

// Catalog maps server and user-mapping identities to their descriptions.
// It stands in for the host catalogs which own these definitions.
type Catalog struct {
	mu       sync.RWMutex
	servers  map[ServerID]Server
	mappings map[UMID]UserMapping
	byPair   map[serverUser]UMID
}

type serverUser struct {
	server ServerID
	user   UserID
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		servers:  make(map[ServerID]Server),
		mappings: make(map[UMID]UserMapping),
		byPair:   make(map[serverUser]UMID),
	}
}

// AddServer registers or replaces a Server.
func (c *Catalog) AddServer(s Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[s.ID] = s
}

// AddUserMapping registers or replaces a UserMapping.
func (c *Catalog) AddUserMapping(um UserMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mappings[um.ID] = um
	c.byPair[serverUser{um.ServerID, um.UserID}] = um.ID
}

// Server returns the Server registered under |id|.
func (c *Catalog) Server(id ServerID) (Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if s, ok := c.servers[id]; ok {
		return s, nil
	}
	return Server{}, errors.Errorf("no such server %d", id)
}

// UserMapping returns the UserMapping registered under |id|.
func (c *Catalog) UserMapping(id UMID) (UserMapping, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if um, ok := c.mappings[id]; ok {
		return um, nil
	}
	return UserMapping{}, errors.Errorf("no such user mapping %d", id)
}

// UserMappingFor returns the UserMapping of |server| and |user|.
func (c *Catalog) UserMappingFor(server ServerID, user UserID) (UserMapping, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id, ok := c.byPair[serverUser{server, user}]; ok {
		return c.mappings[id], nil
	}
	return UserMapping{}, errors.Errorf("no user mapping of server %d, user %d", server, user)
}
