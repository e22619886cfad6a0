package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/armadaproject/eventwriter/internal/common/appcontext"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *appcontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return appcontext.New(ctx, appcontext.Background().Log)
}
