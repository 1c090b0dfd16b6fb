package metrics

import (
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type serverParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Logger    *zap.Logger
	Status    http.Handler `name:"status" optional:"true"`
}

// Module serves /metrics (and /status when a handler named "status" is
// provided) on addr for the lifetime of the fx app. An empty addr disables it.
func Module(addr string) fx.Option {
	if addr == "" {
		return fx.Module("metrics")
	}
	return fx.Module("metrics",
		fx.Provide(func(p serverParams) *Server {
			srv := NewServer(addr, p.Status, p.Logger)
			p.Lifecycle.Append(fx.StartStopHook(srv.Start, srv.Stop))
			return srv
		}),
		fx.Invoke(func(*Server) {}),
	)
}
