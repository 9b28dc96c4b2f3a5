package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/openindiana-up/cmd/core"
	cmdmedia "github.com/projecteru2/openindiana-up/cmd/media"
	cmdothers "github.com/projecteru2/openindiana-up/cmd/others"
	cmdvm "github.com/projecteru2/openindiana-up/cmd/vm"
	"github.com/projecteru2/openindiana-up/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	confProvider := func() *config.Config { return conf }
	vmHandler := cmdvm.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}

	cmd := &cobra.Command{
		Use:   "openindiana-up [flags] [PATH|URL|VERSION]",
		Short: "Start an OpenIndiana virtual machine using QEMU",
		Example: `  openindiana-up
  openindiana-up 20251026
  openindiana-up /path/to/openindiana.iso
  openindiana-up --drive oi.qcow2 --disk-format qcow2 --size 40G --detach
  openindiana-up --bridge br0 https://dlc.openindiana.org/isos/hipster/20251026/OI-hipster-text-20251026.iso`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
		RunE: vmHandler.Run,
	}
	cmdvm.AddRunFlags(cmd)

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("run-dir", "", "runtime directory (pid and lock files)")
	cmd.PersistentFlags().String("log-dir", "", "VM log directory")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("run_dir", cmd.PersistentFlags().Lookup("run-dir"))
	_ = viper.BindPFlag("log_dir", cmd.PersistentFlags().Lookup("log-dir"))

	viper.SetEnvPrefix("OIUP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for _, c := range cmdvm.Commands(vmHandler) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdmedia.Commands(cmdmedia.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: confProvider}}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	}
	// AutomaticEnv only reaches keys viper already knows about.
	for _, key := range config.Keys() {
		_ = viper.BindEnv(key)
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
