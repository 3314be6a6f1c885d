package router

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/pterm/pterm"

	"github.com/quenby/porter/internal/logger"
)

// RouteKind decides which middleware chain wraps a route at wire-up.
type RouteKind int

const (
	// RoutePublic routes carry no admission checks (the health probe).
	RoutePublic RouteKind = iota
	// RouteAdmin routes are gated by the admission validator.
	RouteAdmin
	// RouteProxy routes are gated by admission plus the size cap.
	RouteProxy
)

type RouteInfo struct {
	Handler     http.Handler
	Description string
	Method      string
	Order       int
	Kind        RouteKind
}

type RouteRegistry struct {
	routes   map[string]RouteInfo
	logger   *logger.StyledLogger
	orderSeq int
}

func NewRouteRegistry(logger *logger.StyledLogger) *RouteRegistry {
	return &RouteRegistry{
		routes: make(map[string]RouteInfo),
		logger: logger,
	}
}

func (r *RouteRegistry) Register(route string, handler http.Handler, description, method string, kind RouteKind) {
	r.routes[route] = RouteInfo{
		Handler:     handler,
		Description: description,
		Method:      method,
		Order:       r.orderSeq,
		Kind:        kind,
	}
	r.orderSeq++
}

// WireUp installs every registered route on the mux, wrapping it with the
// chain matching its kind. Nil chains mean no wrapping.
func (r *RouteRegistry) WireUp(mux *http.ServeMux, adminChain, proxyChain func(http.Handler) http.Handler) {
	for route, info := range r.routes {
		handler := info.Handler
		switch info.Kind {
		case RouteAdmin:
			if adminChain != nil {
				handler = adminChain(handler)
			}
		case RouteProxy:
			if proxyChain != nil {
				handler = proxyChain(handler)
			}
		}
		mux.Handle(route, handler)
	}
	r.logRoutesTable()
}

func (r *RouteRegistry) logRoutesTable() {
	if len(r.routes) == 0 {
		return
	}

	type routeEntry struct {
		path   string
		method string
		desc   string
		order  int
	}

	var entries []routeEntry
	for route, info := range r.routes {
		entries = append(entries, routeEntry{
			path:   route,
			method: info.Method,
			desc:   info.Description,
			order:  info.Order,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})

	tableData := [][]string{
		{"ROUTE", "METHOD", "DESCRIPTION"},
	}

	for _, entry := range entries {
		tableData = append(tableData, []string{
			entry.path,
			entry.method,
			entry.desc,
		})
	}

	r.logger.InfoWithCount("Registered web routes", len(entries))
	tableString, _ := pterm.DefaultTable.WithHasHeader().WithData(tableData).Srender()
	fmt.Print(tableString)
}
