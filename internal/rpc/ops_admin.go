package rpc

import (
	"context"
	"fmt"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/search"
)

// orderArgs validates the mutable fields of a standing order. The search must
// compile and the connection must be configured before the order is allowed
// to exist; a broken order would silently stall replication.
func (s *Server) orderArgs(a args) (*catalog.StandingOrder, error) {
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	searchText, err := a.str("search")
	if err != nil {
		return nil, err
	}
	connName, err := a.str("connection_name")
	if err != nil {
		return nil, err
	}
	if _, err := search.Compile(searchText, search.ModeFiles); err != nil {
		return nil, err
	}
	if _, ok := s.deps.Config.Connections[connName]; !ok {
		return nil, fmt.Errorf("%w: no configured connection named %q",
			catalog.ErrBadRequest, connName)
	}
	return &catalog.StandingOrder{Name: name, Search: searchText, ConnName: connName}, nil
}

func (s *Server) handleCreateStandingOrder(ctx context.Context, source string, a args) (map[string]any, error) {
	o, err := s.orderArgs(a)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Catalog.CreateStandingOrder(ctx, o); err != nil {
		return nil, err
	}
	s.queueCheck()
	return map[string]any{"id": o.ID}, nil
}

func (s *Server) handleUpdateStandingOrder(ctx context.Context, source string, a args) (map[string]any, error) {
	o, err := s.orderArgs(a)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Catalog.UpdateStandingOrder(ctx, o.Name, o); err != nil {
		return nil, err
	}
	s.queueCheck()
	return map[string]any{}, nil
}

func (s *Server) handleDeleteStandingOrder(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	if err := s.deps.Catalog.DeleteStandingOrder(ctx, name); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleListStandingOrders(ctx context.Context, source string, a args) (map[string]any, error) {
	orders, err := s.deps.Catalog.ListStandingOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(orders))
	for i := range orders {
		out = append(out, map[string]any{
			"id":              orders[i].ID,
			"name":            orders[i].Name,
			"search":          orders[i].Search,
			"connection_name": orders[i].ConnName,
		})
	}
	return map[string]any{"orders": out}, nil
}

func (s *Server) handleTaskStatus(ctx context.Context, source string, a args) (map[string]any, error) {
	return map[string]any{"tasks": s.deps.Tasks.Snapshot()}, nil
}

func (s *Server) handleListStores(ctx context.Context, source string, a args) (map[string]any, error) {
	stores, err := s.deps.Catalog.ListStores(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(stores))
	for i := range stores {
		out = append(out, map[string]any{
			"name":        stores[i].Name,
			"ssh_host":    stores[i].SSHHost,
			"path_prefix": stores[i].PathPrefix,
			"http_prefix": stores[i].HTTPPrefix,
			"available":   stores[i].Available,
		})
	}
	return map[string]any{"stores": out}, nil
}

func (s *Server) handleSetStoreAvailability(ctx context.Context, source string, a args) (map[string]any, error) {
	name, err := a.str("store_name")
	if err != nil {
		return nil, err
	}
	available, err := a.boolean("available")
	if err != nil {
		return nil, err
	}
	if err := s.deps.Catalog.SetStoreAvailable(ctx, name, available); err != nil {
		return nil, err
	}
	s.deps.Stores.SetAvailable(name, available)
	return map[string]any{}, nil
}

func (s *Server) handleProbeStores(ctx context.Context, source string, a args) (map[string]any, error) {
	results := make(map[string]string)
	for name, err := range s.deps.Stores.Probe(ctx) {
		if err != nil {
			results[name] = err.Error()
		} else {
			results[name] = "ok"
		}
	}
	return map[string]any{"results": results}, nil
}
