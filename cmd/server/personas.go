package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ashureev/quest-advisor/internal/persona"
)

var personaDir string

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the loaded personas and their vocabularies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := personaDir
		if dir == "" {
			dir = os.Getenv("PERSONA_DIR")
		}
		reg, err := persona.NewRegistry("", dir)
		if err != nil {
			return fmt.Errorf("load personas: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADVISOR\tBRAND\tARTICLES\tPLANS\tTOPICS")
		for _, id := range reg.IDs() {
			p, err := reg.Get(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				p.ID, p.Advisor, p.Brand, len(p.Articles), len(p.Plans), strings.Join(p.Topics, ", "))
		}
		return w.Flush()
	},
}

func init() {
	personasCmd.Flags().StringVar(&personaDir, "dir", "", "persona override directory (defaults to $PERSONA_DIR)")
}
