package cache

// Stats is a point-in-time snapshot of cache counters.
// Counters only ever increase; HitRate is derived on read.
type Stats struct {
	Count            int   `json:"count"`
	MaxSizeBytes     int64 `json:"max_size_bytes"`
	CurrentSizeBytes int64 `json:"current_size_bytes"`

	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
	Sets        uint64 `json:"sets"`
	Deletes     uint64 `json:"deletes"`
	Rejected    uint64 `json:"rejected"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
