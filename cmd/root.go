package cmd

import (
	"fmt"
	"os"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/logging"
	"github.com/jake-scott/controlsd/internal/pkg/providers/sim"
	"github.com/jake-scott/controlsd/internal/pkg/registry"
)

var (
	_cfgFile  string
	_debug    bool
	_simulate bool
)

var rootCmd = &cobra.Command{
	Use:          "controlsd",
	Short:        "Keep remotely implemented device controls bound, cached and actionable",
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _debug {
			logrus.SetLevel(logrus.DebugLevel)
		}

		return logging.Configure(viper.GetViper())
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&_cfgFile, "config", "", "config file (default is $HOME/.controlsd.yaml)")
	rootCmd.PersistentFlags().BoolVar(&_debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&_simulate, "simulate", false, "use the built-in simulated providers instead of the registry")
	rootCmd.PersistentFlags().String("registry", "", "provider registry file")
	rootCmd.PersistentFlags().String("favorites-backend", "", "favorites store, file or sqlite")
	rootCmd.PersistentFlags().String("favorites-path", "", "favorites file or database")

	errPanic(viper.GetViper().BindPFlag("providers.registry", rootCmd.PersistentFlags().Lookup("registry")))
	errPanic(viper.GetViper().BindPFlag("favorites.backend", rootCmd.PersistentFlags().Lookup("favorites-backend")))
	errPanic(viper.GetViper().BindPFlag("favorites.path", rootCmd.PersistentFlags().Lookup("favorites-path")))
}

func initConfig() {
	if _cfgFile != "" {
		viper.SetConfigFile(_cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".controlsd")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CONTROLSD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || _cfgFile != "" {
			fmt.Fprintf(os.Stderr, "reading config: %s\n", err)
			os.Exit(1)
		}
	} else {
		logging.Logger(nil).Debugf("using config file %s", viper.ConfigFileUsed())
	}
}

func errPanic(err error) {
	if err != nil {
		panic(err)
	}
}

// loadRegistry returns the provider listing, the simulated household when
// --simulate is given
func loadRegistry() (*registry.Registry, error) {
	if _simulate {
		return registry.New(sim.DemoEntries()...)
	}

	return registry.Load(viper.GetString("providers.registry"))
}
