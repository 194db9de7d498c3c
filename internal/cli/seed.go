package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rl1809/flash-drop/internal/clock"
	"github.com/rl1809/flash-drop/internal/core/service"
)

type sampleDrop struct {
	name  string
	price string
	stock int
}

var sampleDrops = []sampleDrop{
	{"Air Max 1 '86 OG", "149.99", 100},
	{"Retro Hoodie", "79.00", 50},
	{"Signed Vinyl", "39.50", 10},
}

type SeedOptions struct {
	*RootOptions
	Stock int
}

func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert sample drops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions, cmd.Flags())
			if err != nil {
				return err
			}

			repo, closeStore, err := openRepository(cmd.Context(), cfg.Database, true)
			if err != nil {
				return err
			}
			defer closeStore()

			clk := clock.NewSystem()
			svc := service.NewDropService(repo, nil, clk)
			for _, s := range sampleDrops {
				stock := s.stock
				if opts.Stock > 0 {
					stock = opts.Stock
				}
				drop, err := svc.CreateDrop(cmd.Context(), service.CreateDropInput{
					Name:       s.name,
					Price:      decimal.RequireFromString(s.price),
					TotalStock: stock,
					StartTime:  clk.Now().Add(time.Minute),
				})
				if err != nil {
					return fmt.Errorf("seed %q: %w", s.name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tstock=%d\n", drop.ID, drop.Name, drop.TotalStock)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Stock, "stock", 0, "override stock for every sample drop")
	return cmd
}
