// Package sitedir implements the static site directory every transaction
// manager process loads at startup: an ordered list of sites, each
// identified by its position in the list, and the deterministic hash
// routing used to assign client keys to sites.
package sitedir

import (
	"fmt"
	"hash/fnv"
)

// Site is one entry in the directory: an alias plus the address the
// transaction manager for that alias listens on.
type Site struct {
	Alias    string `json:"alias"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

// Directory is the ordered, static list of sites for a run. A site's
// node_id is its index, so two directories built from the same ordered
// list always agree on every node_id.
type Directory struct {
	sites []Site
}

// New builds a directory from an ordered site list.
func New(sites []Site) *Directory {
	cp := make([]Site, len(sites))
	copy(cp, sites)
	return &Directory{sites: cp}
}

// Len reports the number of sites.
func (d *Directory) Len() int {
	return len(d.sites)
}

// Site returns the site at nodeID.
func (d *Directory) Site(nodeID int) (Site, error) {
	if nodeID < 0 || nodeID >= len(d.sites) {
		return Site{}, fmt.Errorf("sitedir: node id %d out of range [0,%d)", nodeID, len(d.sites))
	}
	return d.sites[nodeID], nil
}

// Addr returns the "host:port" string for nodeID, the form net.Dial expects.
func (d *Directory) Addr(nodeID int) (string, error) {
	s, err := d.Site(nodeID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port), nil
}

// NodeID returns the index of the site with the given alias.
func (d *Directory) NodeID(alias string) (int, error) {
	for i, s := range d.sites {
		if s.Alias == alias {
			return i, nil
		}
	}
	return 0, fmt.Errorf("sitedir: unknown site alias %q", alias)
}

// Route computes the endpoint node_id a key is assigned to. It must be
// deterministic across every site's directory copy: any stable hash works,
// so long as every node applies the same one to the same key.
func Route(key string, numSites int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(numSites))
}

// RouteIn computes the endpoint node_id a key routes to within d.
func (d *Directory) RouteIn(key string) (int, error) {
	if d.Len() == 0 {
		return 0, fmt.Errorf("sitedir: empty directory")
	}
	return Route(key, d.Len()), nil
}
