package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/controller"
	"github.com/jake-scott/controlsd/internal/pkg/favorites"
	"github.com/jake-scott/controlsd/internal/pkg/handlers"
	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/provider"
	"github.com/jake-scott/controlsd/internal/pkg/providers/nest"
	"github.com/jake-scott/controlsd/internal/pkg/providers/sim"
	"github.com/jake-scott/controlsd/internal/pkg/providers/wsprovider"
	"github.com/jake-scott/controlsd/pkg/middlewares"
)

var _serverCmdOpts struct {
	httpPort        uint16
	gracefulTimeout time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	corsOrigins     []string
	logRequests     bool
	maxBound        int
	nestRedirectURL string
}

var serverCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controls daemon and its HTTP API",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServer(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		if _simulate {
			return nil
		}
		return checkRequiredFlags("providers.registry")
	},
}

func init() {
	serverCmd.Flags().Uint16Var(&_serverCmdOpts.httpPort, "port", 8080, "HTTP port number")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serverCmd.Flags().StringSliceVar(&_serverCmdOpts.corsOrigins, "cors-origin", nil, "origin allowed to call the API, may be repeated")
	serverCmd.Flags().BoolVar(&_serverCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")
	serverCmd.Flags().IntVar(&_serverCmdOpts.maxBound, "max-bound", 8, "maximum number of simultaneously bound providers")
	serverCmd.Flags().StringVar(&_serverCmdOpts.nestRedirectURL, "nest-redirect-url", "", "public URL of /oauth/nest/callback, enables the Nest authorization flow")

	errPanic(viper.GetViper().BindPFlag("http.port", serverCmd.Flags().Lookup("port")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", serverCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", serverCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", serverCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.cors-origins", serverCmd.Flags().Lookup("cors-origin")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", serverCmd.Flags().Lookup("log-requests")))
	errPanic(viper.GetViper().BindPFlag("bindings.max-bound", serverCmd.Flags().Lookup("max-bound")))
	errPanic(viper.GetViper().BindPFlag("nest.redirect-url", serverCmd.Flags().Lookup("nest-redirect-url")))

	rootCmd.AddCommand(serverCmd)
}

func checkRequiredFlags(needFlags ...string) error {
	missingFlags := []string{}

	for _, f := range needFlags {
		if !viper.IsSet(f) {
			missingFlags = append(missingFlags, f)
		}
	}

	if len(missingFlags) > 0 {
		itemPlural := "item"
		if len(missingFlags) > 1 {
			itemPlural = "items"
		}
		return fmt.Errorf("required config %s `%s` not set", itemPlural, strings.Join(missingFlags, "`, `"))
	}

	return nil
}

// newTransports registers every provider transport the daemon speaks.  The
// nest transport needs a Device Access project.
func newTransports(lister provider.Lister) (*provider.Transports, error) {
	transports := provider.NewTransports(lister).
		Register("sim", sim.NewDialer()).
		Register("ws", wsprovider.NewDialer())

	if viper.GetString("nest.project") != "" {
		d, err := nest.NewDialer(nest.ConfigFromViper(viper.GetViper()))
		if err != nil {
			return nil, err
		}
		transports.Register("nest", d)
	}

	return transports, nil
}

func doServer() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	transports, err := newTransports(reg)
	if err != nil {
		return err
	}

	store, err := favorites.Open(context.Background(), viper.GetViper())
	if err != nil {
		return errors.Wrap(err, "opening favorites store")
	}

	ctl := controller.New(controller.OptionsFromViper(viper.GetViper()), reg, transports, store)
	defer ctl.Close()

	if err := ctl.Start(context.Background()); err != nil {
		return err
	}

	api := handlers.NewAPI(ctl)
	defer api.Close()

	r := mux.NewRouter()
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	api.Register(r)

	if redirect := viper.GetString("nest.redirect-url"); redirect != "" {
		oh := handlers.NewNestOauth(viper.GetString("nest.project"), viper.GetString("nest.client-id"),
			viper.GetString("nest.client-secret"), redirect)
		oh.Register(r)
	}

	// preflight requests match no route, so CORS wraps the router
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      middlewares.NewCorsMw(viper.GetStringSlice("http.cors-origins"))(r),
	}

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal
	<-c

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	logging.Logger(nil).Info("shutting down")
	if err := s.Shutdown(ctx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}
	logging.Logger(nil).Info("exiting")
	return nil
}
