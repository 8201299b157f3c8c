package command

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// BookingCommand groups recruitment board subcommands.
func BookingCommand() *cli.Command {
	return &cli.Command{
		Name:  "booking",
		Usage: "Inspect the recruitment board",
		Subcommands: []*cli.Command{
			bookingSearchCommand(),
			bookingDeleteCommand(),
		},
	}
}

func bookingSearchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Page through matching advertisements",
		Flags: []cli.Flag{
			&cli.UintFlag{Name: "level", Usage: "searcher level; 0 matches any"},
			&cli.UintFlag{Name: "map", Usage: "map id filter; 0 matches any"},
			&cli.UintSliceFlag{Name: "job", Usage: "job code filter (jobs mode)"},
			&cli.StringFlag{Name: "notice", Usage: "notice substring filter (notice mode)"},
			&cli.Uint64Flag{Name: "after", Usage: "pagination cursor: last index of the previous page"},
			&cli.UintFlag{Name: "max", Value: domain.MaxBookingResults, Usage: "page size"},
		},
		Action: func(c *cli.Context) error {
			client, err := connect(c)
			if err != nil {
				return err
			}
			defer client.Close()

			criteria := domain.BookingCriteria{
				MapID:  uint16(c.Uint("map")),
				Notice: c.String("notice"),
			}
			for _, j := range c.UintSlice("job") {
				criteria.Jobs = append(criteria.Jobs, uint16(j))
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			ads, err := client.BookingSearch(ctx,
				uint16(c.Uint("level")), criteria, c.Uint64("after"), uint8(c.Uint("max")))
			if err != nil {
				return err
			}
			if len(ads) == 0 {
				fmt.Println("no advertisements")
				return nil
			}
			printAds(ads)
			fmt.Printf("next page: --after %d\n", ads[len(ads)-1].Index)
			return nil
		},
	}
}

func bookingDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Remove a character's advertisement",
		ArgsUsage: "<char-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one character id")
			}
			id, err := strconv.ParseUint(c.Args().First(), 10, 32)
			if err != nil {
				return fmt.Errorf("invalid character id %q", c.Args().First())
			}

			client, err := connect(c)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			if err := client.BookingDelete(ctx, domain.CharID(id)); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}

func printAds(ads []domain.BookingAd) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tCHAR\tNAME\tLEVEL\tMAP\tJOBS\tNOTICE\tEXPIRES")
	for i := range ads {
		ad := &ads[i]
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%v\t%s\t%s\n",
			ad.Index, ad.CharID, ad.CharName, ad.Level,
			ad.Criteria.MapID, ad.Criteria.Jobs, ad.Criteria.Notice,
			ad.ExpiresAt.Format(time.TimeOnly))
	}
	w.Flush()
}
