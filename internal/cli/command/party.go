package command

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// PartyCommand groups party inspection subcommands.
func PartyCommand() *cli.Command {
	return &cli.Command{
		Name:  "party",
		Usage: "Inspect party state",
		Subcommands: []*cli.Command{
			partyInfoCommand(),
		},
	}
}

func partyInfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "Fetch and print one party's snapshot",
		ArgsUsage: "<party-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one party id")
			}
			id, err := strconv.ParseUint(c.Args().First(), 10, 32)
			if err != nil {
				return fmt.Errorf("invalid party id %q", c.Args().First())
			}
			pid := domain.PartyID(id)

			client, err := connect(c)
			if err != nil {
				return err
			}
			defer client.Close()

			// The snapshot lands through the read loop; poll the mirror.
			client.RequestInfo(pid, 0)
			deadline := time.Now().Add(c.Duration("timeout"))
			for time.Now().Before(deadline) {
				if p := client.Cache().Party(pid); p != nil {
					printParty(p)
					return nil
				}
				time.Sleep(20 * time.Millisecond)
			}
			return fmt.Errorf("party %d not found", pid)
		},
	}
}

func printParty(p *domain.Party) {
	fmt.Printf("party %d %q (revision %d)\n", p.ID, p.Name, p.Revision)
	fmt.Printf("exp share: %v  item share: %v\n", p.ExpShare, p.ItemShare)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tCHAR\tNAME\tLEVEL\tWORLD\tONLINE\tLEADER")
	for i, m := range p.Slots {
		if m == nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%v\t%v\n",
			i, m.CharID, m.Name, m.Level, m.WorldID, m.Online, m.Leader)
	}
	w.Flush()
}
