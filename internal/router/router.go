package router

import (
	"fmt"
	"strings"

	"github.com/fabian4/edge-router/internal/model"
)

// Table is an ordered, read-only list of routes. The first route whose prefix
// matches the request path wins.
type Table struct {
	routes []model.Route
}

func New(routes []model.Route) *Table {
	rs := make([]model.Route, len(routes))
	copy(rs, routes)
	return &Table{routes: rs}
}

// Match returns the first route in declared order whose PathPrefix is a prefix of path.
func (t *Table) Match(path string) (*model.Route, error) {
	for i := range t.routes {
		if strings.HasPrefix(path, t.routes[i].PathPrefix) {
			return &t.routes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", model.ErrNoRouteMatched, path)
}

// Shadowed reports, for each unreachable route, the index of the earlier route
// that captures every path it could match.
func Shadowed(routes []model.Route) map[int]int {
	out := make(map[int]int)
	for j := range routes {
		for i := 0; i < j; i++ {
			if strings.HasPrefix(routes[j].PathPrefix, routes[i].PathPrefix) {
				out[j] = i
				break
			}
		}
	}
	return out
}
