package sqlapi

import (
	"context"
	"fmt"

	"github.com/edgeflare/sqlapi/pkg/app"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:     "check",
	Short:   "Validate the configuration against the databases",
	Long:    `Builds every endpoint without serving and prints the registered routes.`,
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []app.Option
		if logLevel != "" {
			opts = append(opts, app.WithLogLevel(logLevel))
		}
		a, err := app.New(context.Background(), cfg, opts...)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, route := range a.Router.Routes() {
			fmt.Fprintln(cmd.OutOrStdout(), route)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d endpoints on %d database(s)\n", len(a.Endpoints), len(a.Repos))
		return nil
	},
}
