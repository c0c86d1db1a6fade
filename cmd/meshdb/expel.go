package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meshdb/pkg/transport"
	"github.com/spf13/cobra"
)

const expelCallDeadline = 15 * time.Second

var expelCmd = &cobra.Command{
	Use:   "expel INSTANCE",
	Short: "Drive an instance out of the cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runExpel,
}

func init() {
	expelCmd.Flags().String("control-addr", "", "Control-plane address of any instance (required)")
	_ = expelCmd.MarkFlagRequired("control-addr")
}

func runExpel(cmd *cobra.Command, args []string) error {
	controlAddr, _ := cmd.Flags().GetString("control-addr")
	instanceName := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), expelCallDeadline)
	defer cancel()

	client, err := transport.Dial(ctx, controlAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", controlAddr, err)
	}
	defer client.Close()

	if err := client.Expel(ctx, instanceName); err != nil {
		return fmt.Errorf("expel %s: %w", instanceName, err)
	}

	fmt.Printf("Instance %q targeted for expulsion\n", instanceName)
	return nil
}
