package runner

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module runs the supplied *Session for the lifetime of the fx app and
// shuts the app down with the session exit code once it completes.
var Module = fx.Module("runner",
	fx.Invoke(registerSession),
)

type sessionParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Session    *Session
	Logger     *zap.Logger
}

func registerSession(p sessionParams) {
	log := p.Logger.Named("runner")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				code := p.Session.Run(ctx)
				if err := p.Shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					log.Debug("shutdown request ignored", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			p.Session.Stop()
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
