package vm

import (
	"github.com/spf13/cobra"

	"github.com/projecteru2/openindiana-up/options"
)

// Actions defines VM lifecycle operations.
type Actions interface {
	Run(cmd *cobra.Command, args []string) error
	Start(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Restart(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
	Logs(cmd *cobra.Command, args []string) error
}

// Commands builds the VM lifecycle command set.
// Create-and-launch is the root command's own action (see AddRunFlags).
func Commands(h Actions) []*cobra.Command {
	listCmd := &cobra.Command{
		Use:     "ps",
		Aliases: []string{"list", "ls"},
		Short:   "List VMs (running only unless --all)",
		Args:    cobra.NoArgs,
		RunE:    h.List,
	}
	listCmd.Flags().BoolP("all", "a", false, "show stopped VMs too")

	startCmd := &cobra.Command{
		Use:   "start [flags] VM",
		Short: "Start a stopped VM with its stored configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Start,
	}
	addOverrideFlags(startCmd)
	startCmd.Flags().BoolP("detach", "D", false, "run in the background, output to the VM log")

	stopCmd := &cobra.Command{
		Use:   "stop VM [VM...]",
		Short: "Stop running VM(s): SIGTERM, then SIGKILL after the grace period",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.Stop,
	}

	restartCmd := &cobra.Command{
		Use:   "restart [flags] VM",
		Short: "Stop and relaunch a VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Restart,
	}
	addOverrideFlags(restartCmd)
	restartCmd.Flags().BoolP("detach", "D", true, "run in the background, output to the VM log")

	inspectCmd := &cobra.Command{
		Use:   "inspect VM",
		Short: "Show the VM record (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}

	rmCmd := &cobra.Command{
		Use:   "rm VM [VM...]",
		Short: "Remove VM record(s); disks and boot media are kept",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	logsCmd := &cobra.Command{
		Use:   "logs [flags] VM",
		Short: "Print the log of a detached VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Logs,
	}
	logsCmd.Flags().BoolP("follow", "f", false, "follow log output")
	logsCmd.Flags().IntP("tail", "n", defaultTail, "lines to show before following (0 = whole file)")

	return []*cobra.Command{
		listCmd,
		startCmd,
		stopCmd,
		restartCmd,
		inspectCmd,
		rmCmd,
		logsCmd,
	}
}

// AddRunFlags registers the create-and-launch flags on cmd.
func AddRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("output", "o", "", "output path for downloaded ISO")
	flags.StringP("name", "n", "", "VM name (default: random)")
	addOverrideFlags(cmd)
	flags.StringP("drive", "d", "", "path to VM disk image (created if missing)")
	flags.String("disk-format", options.DefaultDiskFormat, "disk image format (raw, qcow2, vmdk, vdi, vhdx, qed)")
	flags.String("size", options.DefaultDiskSize, "size of the disk image to create if it does not exist")
	flags.StringP("bridge", "b", "", "attach to this host bridge instead of NAT (needs sudo)")
	flags.StringP("port-forward", "p", "", "NAT port forwards host:guest[,host:guest...] (default 2222:22)")
	flags.BoolP("detach", "D", false, "run in the background, output to the VM log")
	flags.String("image", "", "alias of --drive")
	_ = flags.MarkHidden("image")
}

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("cpu", "c", options.DefaultCPU, "type of CPU to emulate")
	cmd.Flags().IntP("cpus", "C", options.DefaultCPUs, "number of CPU cores")
	cmd.Flags().StringP("memory", "m", options.DefaultMemory, "amount of memory for the VM")
}
