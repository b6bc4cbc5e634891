package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/controlsd/internal/pkg/favorites"
)

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "Print the persisted favorites, in display order",

	RunE: func(cmd *cobra.Command, args []string) error {
		return doFavorites()
	},
}

func init() {
	favoritesCmd.Flags().Bool("json", false, "Print favorites as JSON")
	errPanic(viper.GetViper().BindPFlag("favorites.json", favoritesCmd.Flags().Lookup("json")))

	rootCmd.AddCommand(favoritesCmd)
}

func doFavorites() error {
	ctx := context.Background()

	store, err := favorites.Open(ctx, viper.GetViper())
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	list, err := store.Load(ctx)
	if err != nil {
		return err
	}

	if viper.GetBool("favorites.json") {
		b, err := json.MarshalIndent(list, "", "    ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "#\tCONTROL\tPROVIDER\tTITLE\tTYPE")
	for i, f := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, f.ControlID, f.ProviderID, f.Title, f.DisplayType)
	}

	return w.Flush()
}
