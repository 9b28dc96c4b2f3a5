package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/openindiana-up/cmd/core"
	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/types"
	"github.com/projecteru2/openindiana-up/utils"
)

const (
	defaultTail = 100
	// followInterval is how often logs -f polls for new output.
	followInterval = 500 * time.Millisecond
)

type Handler struct {
	cmdcore.BaseHandler
}

// initHyper is the shared init for methods that only need the hypervisor.
func (h Handler) initHyper(cmd *cobra.Command) (context.Context, hypervisor.Hypervisor, func(), error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	hyper, closeFn, err := cmdcore.InitHypervisor(ctx, conf)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, hyper, closeFn, nil
}

// Run creates and launches a VM. Attached runs block until the guest powers off.
func (h Handler) Run(cmd *cobra.Command, args []string) error {
	var input string
	if len(args) > 0 {
		input = args[0]
	}
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	resolved, err := options.Resolve(ctx, cmdcore.RawFromFlags(cmd, input))
	if err != nil {
		return err
	}
	hyper, closeFn, err := cmdcore.InitHypervisor(ctx, conf)
	if err != nil {
		return err
	}
	defer closeFn()

	vm, err := hyper.Run(ctx, resolved, cmdcore.DownloadTracker(ctx, resolved.Source.String()))
	if err != nil {
		return err
	}
	if resolved.Detach {
		logger := log.WithFunc("cmd.run")
		logger.Infof(ctx, "VM %s is running in the background (pid %d)", vm.Config.Name, vm.PID)
		logger.Infof(ctx, "follow its console log with: openindiana-up logs -f %s", vm.Config.Name)
	}
	return nil
}

func (h Handler) Start(cmd *cobra.Command, args []string) error {
	return h.relaunch(cmd, args[0], "start")
}

func (h Handler) Restart(cmd *cobra.Command, args []string) error {
	return h.relaunch(cmd, args[0], "restart")
}

func (h Handler) relaunch(cmd *cobra.Command, ref, op string) error {
	ctx, hyper, closeFn, err := h.initHyper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	logger := log.WithFunc("cmd." + op)

	detach, _ := cmd.Flags().GetBool("detach")
	opts := hypervisor.StartOptions{Detach: detach, Overrides: cmdcore.OverridesFromFlags(cmd)}

	var vm *types.VM
	if op == "restart" {
		vm, err = hyper.Restart(ctx, ref, opts)
	} else {
		vm, err = hyper.Start(ctx, ref, opts)
	}
	if errors.Is(err, hypervisor.ErrAlreadyRunning) {
		logger.Infof(ctx, "VM %s is already running (pid %d)", vm.Config.Name, vm.PID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, ref, err)
	}
	if detach {
		logger.Infof(ctx, "VM %s is running in the background (pid %d)", vm.Config.Name, vm.PID)
	}
	return nil
}

func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, hyper, closeFn, err := h.initHyper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return batchVMCmd(ctx, "stop", "stopped", hyper.Stop, args)
}

// RM deletes VM records. Delete is best-effort: names removed before a
// failure are still reported.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, hyper, closeFn, err := h.initHyper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()
	return batchVMCmd(ctx, "rm", "removed", hyper.Delete, args)
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, hyper, closeFn, err := h.initHyper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	all, _ := cmd.Flags().GetBool("all")
	vms, err := hyper.List(ctx, all)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(vms) == 0 {
		if all {
			fmt.Println("No VMs found.")
		} else {
			fmt.Println("No running VMs. Use --all to include stopped ones.")
		}
		return nil
	}

	sort.Slice(vms, func(i, j int) bool { return vms[i].CreatedAt.Before(vms[j].CreatedAt) })
	printTable(os.Stdout, vms)
	return nil
}

func printTable(out io.Writer, vms []*types.VM) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tPID\tCPU\tCPUS\tMEMORY\tNETWORK\tDISK\tCREATED")
	for _, vm := range vms {
		pid := "-"
		if vm.PID > 0 {
			pid = fmt.Sprintf("%d", vm.PID)
		}
		disk := "-"
		if vm.Config.Disk.Attached() {
			disk = *vm.Config.Disk.Path
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(vm.ID),
			vm.Config.Name,
			vm.State,
			pid,
			vm.Config.CPU,
			vm.Config.CPUs,
			cmdcore.FormatMemory(vm.Config.Memory),
			network(vm.Config.Network),
			disk,
			created(vm.CreatedAt),
		)
	}
	w.Flush() //nolint:errcheck,gosec
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, hyper, closeFn, err := h.initHyper(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	vm, err := hyper.Inspect(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(vm)
}

// Logs prints the tail of a VM's log and, with --follow, streams appended
// output until interrupted.
func (h Handler) Logs(cmd *cobra.Command, args []string) error {
	ctx, hyper, closeFn, err := h.initHyper(cmd)
	if err != nil {
		return err
	}
	path, err := hyper.LogPath(ctx, args[0])
	closeFn()
	if err != nil {
		return fmt.Errorf("logs: %w", err)
	}
	follow, _ := cmd.Flags().GetBool("follow")
	tail, _ := cmd.Flags().GetInt("tail")

	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log for %s yet (%s): only detached runs write one", args[0], path)
		}
		return err
	}
	defer f.Close() //nolint:errcheck

	if err := printTail(os.Stdout, f, tail); err != nil {
		return err
	}
	if !follow {
		return nil
	}
	return followFile(ctx, os.Stdout, f)
}

func printTail(out io.Writer, f *os.File, n int) error {
	if n <= 0 {
		_, err := io.Copy(out, f)
		return err
	}
	lines, err := utils.TailLines(f, n)
	if err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(out, l); err != nil {
			return err
		}
	}
	return nil
}

// followFile copies data appended to f until ctx is cancelled.
func followFile(ctx context.Context, out io.Writer, f *os.File) error {
	for {
		if _, err := io.Copy(out, f); err != nil {
			return err
		}
		if err := utils.Sleep(ctx, followInterval); err != nil {
			return nil //nolint:nilerr // interrupted by the user
		}
	}
}

func batchVMCmd(ctx context.Context, name, pastTense string, fn func(context.Context, []string) ([]string, error), refs []string) error {
	logger := log.WithFunc("cmd." + name)
	done, err := fn(ctx, refs)
	for _, n := range done {
		logger.Infof(ctx, "%s: %s", pastTense, n)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if len(done) == 0 {
		logger.Infof(ctx, "no VMs %s", strings.ToLower(pastTense))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 { //nolint:mnd
		return id[:12]
	}
	return id
}

func network(n types.NetworkConfig) string {
	if n.Bridged() {
		return "bridge:" + *n.Bridge
	}
	if n.PortForward != nil {
		return "nat:" + *n.PortForward
	}
	return "nat"
}

func created(t time.Time) string { return t.Local().Format(time.DateTime) }
