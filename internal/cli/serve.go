package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourorg/apiscan-orchestrator/internal/api"
	"github.com/yourorg/apiscan-orchestrator/internal/compare"
	"github.com/yourorg/apiscan-orchestrator/internal/trend"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.store.Close()

	a.coord.RecoverOrphans(ctx)
	go a.gw.RunReaper(ctx, a.cfg.ReaperInterval)

	srv := api.NewServer(a.coord, a.store, compare.New(a.store), trend.New(a.store), a.gw, a.log)
	httpSrv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: srv.Handler()}

	go func() {
		<-ctx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		_ = httpSrv.Shutdown(shCtx)
	}()

	a.log.Infow("orchestrator listening", "addr", a.cfg.HTTPAddr,
		"namespace", a.cfg.StorageNamespace)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
