package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var proveCmd = &cobra.Command{
	Use:   "prove <tenant> <event-id>",
	Short: "Emit a Merkle inclusion proof for an anchored event",
	Long: `Prove locates the anchor covering the event and prints the inclusion path
from the event hash to the anchored root. The proof verifies offline against
the published root.

Example:
    tallyd prove acme 2f6e4c80-90cd-4b1f-8d6a-3f5b2e7c9a11`,
	Args: cobra.ExactArgs(2),
	RunE: runProve,
}

func init() {
	rootCmd.AddCommand(proveCmd)
}

func runProve(cmd *cobra.Command, args []string) error {
	tenant, eventID := args[0], args[1]

	c, err := openOffline()
	if err != nil {
		return err
	}
	defer closeOffline(c)

	proof, err := c.Anchors.Prove(context.Background(), tenant, eventID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
