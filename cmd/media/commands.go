package media

import "github.com/spf13/cobra"

// Actions defines boot-media operations.
type Actions interface {
	Pull(cmd *cobra.Command, args []string) error
}

// Commands builds the boot-media command set.
func Commands(h Actions) []*cobra.Command {
	pullCmd := &cobra.Command{
		Use:   "pull [flags] [URL|VERSION]",
		Short: "Download boot media into the ISO cache without launching a VM",
		Args:  cobra.MaximumNArgs(1),
		RunE:  h.Pull,
	}
	pullCmd.Flags().StringP("output", "o", "", "output path for downloaded ISO")
	return []*cobra.Command{pullCmd}
}
