package main

import (
	"sort"
	"time"

	"github.com/matst80/doorway/internal/server"
)

// Stats is the server state snapshot for the dashboard and state API.
type Stats struct {
	Clients int      `json:"clients"`
	Names   []string `json:"names"`
	Now     string   `json:"now"`
}

func collectStats(s *server.Server) Stats {
	names := s.ClientNames()
	sort.Strings(names)
	return Stats{
		Clients: s.ClientCount(),
		Names:   names,
		Now:     time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns the capitalized keys the dashboard template expects.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Clients": s.Clients,
		"Names":   s.Names,
	}
}
