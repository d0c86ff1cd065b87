package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/luxury-yacht/dashboard/backend"
)

// Set at build time through -ldflags.
var (
	version = "dev"
	commit  = ""
)

func newRootCommand() (*cobra.Command, error) {
	v := backend.NewViper()
	cmd := &cobra.Command{
		Use:           "dashboard",
		Short:         "Real-time Kubernetes dashboard server",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := backend.LoadSettings(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return backend.NewApp(settings).Run(ctx)
		},
	}
	if err := backend.BindFlags(cmd, v); err != nil {
		return nil, err
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)
	return cmd, nil
}

func versionString() string {
	if commit == "" {
		return version
	}
	return version + " (" + commit + ")"
}

func main() {
	defer klog.Flush()

	cmd, err := newRootCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		klog.ErrorS(err, "dashboard exited")
		klog.Flush()
		os.Exit(1)
	}
}
