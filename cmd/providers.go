package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the providers in the registry",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doProviders()
	},
}

func init() {
	providersCmd.Flags().Bool("json", false, "List providers as JSON")
	errPanic(viper.GetViper().BindPFlag("providers.json", providersCmd.Flags().Lookup("json")))

	rootCmd.AddCommand(providersCmd)
}

func doProviders() error {
	reg, err := loadRegistry()
	if err != nil {
		return err
	}

	list, err := reg.ListProviders()
	if err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	if viper.GetBool("providers.json") {
		b, err := json.MarshalIndent(list, "", "    ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPACKAGE\tTRANSPORT\tADDRESS")
	for _, e := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.PackageIdentity, e.Transport, e.Address)
	}

	return w.Flush()
}
