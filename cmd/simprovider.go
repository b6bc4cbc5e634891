package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/providers/sim"
	"github.com/jake-scott/controlsd/internal/pkg/providers/wsprovider"
	"github.com/jake-scott/controlsd/pkg/middlewares"
)

var simProviderCmd = &cobra.Command{
	Use:   "sim-provider",
	Short: "Serve the registry's simulated providers over the websocket provider protocol",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doSimProvider()
	},
}

func init() {
	simProviderCmd.Flags().String("listen", ":9100", "address to listen on")
	errPanic(viper.GetViper().BindPFlag("sim-provider.listen", simProviderCmd.Flags().Lookup("listen")))

	rootCmd.AddCommand(simProviderCmd)
}

func doSimProvider() error {
	addr := viper.GetString("sim-provider.listen")

	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	r.Use(middlewares.NewLoggingMw(false))
	r.Use(middlewares.NewRecoveryMw())
	r.Handle("/controls", wsprovider.NewServer(reg, sim.NewDialer())).Methods(http.MethodGet)

	s := &http.Server{
		Addr:        addr,
		IdleTimeout: time.Second * 60,
		Handler:     r,
	}

	logging.Logger(nil).Infof("Serving simulated providers on %s", addr)
	errc := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	select {
	case <-c:
	case err := <-errc:
		return errors.Wrap(err, "running server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	logging.Logger(nil).Info("shutting down")
	return s.Shutdown(ctx)
}
