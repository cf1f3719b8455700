package lottery

// CombinationIndex counts tickets by prefix. For every ticket added, the
// count of each of its prefixes of length 1..TicketSize is incremented, so the
// number of tickets sharing the first L digits of any ticket is a lookup.
type CombinationIndex struct {
	counts map[string]uint64
	total  uint64
}

// NewCombinationIndex creates an empty index.
func NewCombinationIndex() *CombinationIndex {
	return &CombinationIndex{counts: make(map[string]uint64)}
}

// Add records a ticket.
func (c *CombinationIndex) Add(t Ticket) {
	for l := 1; l <= TicketSize; l++ {
		c.counts[t.Prefix(l)]++
	}
	c.total++
}

// CountMatchingPrefix returns how many recorded tickets share the first l
// digits of t.
func (c *CombinationIndex) CountMatchingPrefix(t Ticket, l int) uint64 {
	if l < 1 || l > TicketSize {
		return 0
	}
	return c.counts[t.Prefix(l)]
}

// Count returns the number of tickets starting with the given digit prefix,
// e.g. "4" or "427".
func (c *CombinationIndex) Count(prefix string) uint64 {
	if prefix == "" {
		return c.total
	}
	return c.counts[prefix]
}

// Total returns the number of tickets recorded.
func (c *CombinationIndex) Total() uint64 {
	return c.total
}

// Clone returns an independent copy.
func (c *CombinationIndex) Clone() *CombinationIndex {
	out := &CombinationIndex{counts: make(map[string]uint64, len(c.counts)), total: c.total}
	for k, v := range c.counts {
		out.counts[k] = v
	}
	return out
}
