package sqlapi

import (
	"context"
	"fmt"
	"os"

	"github.com/edgeflare/sqlapi/pkg/app"
	"github.com/edgeflare/sqlapi/pkg/openapi"
	"github.com/spf13/cobra"
)

var (
	openapiFormat string
	openapiOut    string
)

var openapiCmd = &cobra.Command{
	Use:     "openapi",
	Short:   "Print the OpenAPI document",
	Long:    `Connects to every configured database and writes the generated OpenAPI document.`,
	PreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(context.Background(), cfg, app.WithLoggers(app.NopLoggers()))
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := openapi.Marshal(a.Doc, openapiFormat)
		if err != nil {
			return err
		}
		if openapiOut == "" {
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		}
		return os.WriteFile(openapiOut, data, 0o644)
	},
}

func init() {
	openapiCmd.Flags().StringVarP(&openapiFormat, "format", "f", "yaml", "output format (json or yaml)")
	openapiCmd.Flags().StringVarP(&openapiOut, "output", "o", "", "write to this file instead of stdout")
}
