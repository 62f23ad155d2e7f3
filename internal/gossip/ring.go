package gossip

import (
	"errors"
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const replicationFactor = 64

var ErrNoHosts = errors.New("no hosts added")

// Ring is a consistent hash circle of cluster members.
type Ring struct {
	hosts     map[uint64]string
	sortedSet []uint64
	members   map[string]struct{}

	sync.RWMutex
}

func NewRing() *Ring {
	return &Ring{
		hosts:   map[uint64]string{},
		members: map[string]struct{}{},
	}
}

func (c *Ring) Add(host string) {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.members[host]; ok {
		return
	}
	c.members[host] = struct{}{}
	for i := range replicationFactor {
		h := virtualHash(host, i)
		if _, taken := c.hosts[h]; taken {
			continue
		}
		c.hosts[h] = host
		c.sortedSet = append(c.sortedSet, h)
	}
	slices.Sort(c.sortedSet)
}

func (c *Ring) Remove(host string) {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.members[host]; !ok {
		return
	}
	delete(c.members, host)
	for i := range replicationFactor {
		h := virtualHash(host, i)
		if c.hosts[h] != host {
			continue
		}
		delete(c.hosts, h)
		if idx, found := slices.BinarySearch(c.sortedSet, h); found {
			c.sortedSet = slices.Delete(c.sortedSet, idx, idx+1)
		}
	}
}

// Get returns the member owning key.
func (c *Ring) Get(key string) (string, error) {
	c.RLock()
	defer c.RUnlock()

	if len(c.sortedSet) == 0 {
		return "", ErrNoHosts
	}
	return c.hosts[c.sortedSet[c.search(xxhash.Sum64String(key))]], nil
}

func (c *Ring) Members() []string {
	c.RLock()
	defer c.RUnlock()

	result := make([]string, 0, len(c.members))
	for member := range c.members {
		result = append(result, member)
	}
	slices.Sort(result)
	return result
}

func (c *Ring) search(key uint64) int {
	idx, _ := slices.BinarySearch(c.sortedSet, key)
	if idx >= len(c.sortedSet) {
		idx = 0
	}
	return idx
}

func virtualHash(host string, replica int) uint64 {
	return xxhash.Sum64String(host + "#" + strconv.Itoa(replica))
}
