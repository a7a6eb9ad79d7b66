package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andrej220/remexec/internal/batch"
)

func newProductsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List the products with a built-in strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(opts.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRODUCT\tSTRATEGY\tSOURCE\tDESTINATION")
			for _, name := range batch.Products() {
				p, _ := batch.ParseProduct(name)
				var src, dst string
				if loc, ok := p.Location(); ok {
					src, dst = loc.BasePath, loc.Suffix
				} else if t, ok := p.Target(); ok {
					dst = t.S3Output
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, p.Strategy(), src, dst)
			}
			return w.Flush()
		},
	}
}
