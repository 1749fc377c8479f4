package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sparse-io/sparse"
)

var (
	apiAddr  string
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "sparse",
		Short: "Distributed stream-processing cluster",
	}

	nodeCmd = &cobra.Command{
		Use:   "node",
		Short: "Run a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			node := sparse.NewNode(sparse.LoadConfig(), log)
			return node.Start(ctx)
		},
	}

	deployCmd = &cobra.Command{
		Use:   "deploy <file>",
		Short: "Create a deployment from a YAML descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := sparse.ParseDeployment(args[0])
			if err != nil {
				return err
			}

			client := &sparse.Client{Addr: apiAddr}
			if err := client.CreateDeployment(d); err != nil {
				return err
			}

			fmt.Printf("deployment %q created\n", d.Name)
			return nil
		},
	}

	uploadCmd = &cobra.Command{
		Use:   "upload <dir>",
		Short: "Archive a module directory and upload it to the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &sparse.Client{Addr: apiAddr}

			name, archivePath, err := client.ArchiveModule(args[0])
			if err != nil {
				return err
			}
			if err := client.UploadModule(name, archivePath); err != nil {
				return err
			}

			fmt.Printf("module %q uploaded\n", name)
			return nil
		},
	}

	tailCmd = &cobra.Command{
		Use:   "tail <selector>",
		Short: "Follow the tuples emitted on a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client := &sparse.Client{Addr: apiAddr}
			return client.Tail(ctx, args[0], func(t sparse.TailedTuple) {
				fmt.Printf("%s: %v\n", t.StreamSelector, t.Tuple)
			})
		},
	}
)

func newLogger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(logLevel); err == nil {
		log.SetLevel(level)
	}
	return log
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "127.0.0.1:50008", "address of the node HTTP API")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.AddCommand(nodeCmd, deployCmd, uploadCmd, tailCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
