package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/meshdb/pkg/cluster"
	"github.com/cuemby/meshdb/pkg/config"
	"github.com/cuemby/meshdb/pkg/transport"
	"github.com/spf13/cobra"
)

const joinCallDeadline = 15 * time.Second

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this instance to an existing cluster",
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().String("config", "", "Path to this instance's bootstrap YAML file (required)")
	joinCmd.Flags().String("bind-addr", "127.0.0.1:7427", "Raft bind address, also advertised to the leader")
	joinCmd.Flags().String("control-addr", "127.0.0.1:7428", "Control-plane (proc_*) listen address")
	joinCmd.Flags().String("leader-addr", "", "Control-plane address of any already-initialized instance (required)")
	joinCmd.Flags().String("token", "", "Join token issued by the cluster (required)")
	joinCmd.Flags().String("replicaset", "", "Explicit replicaset name (optional, auto-chosen otherwise)")
	_ = joinCmd.MarkFlagRequired("config")
	_ = joinCmd.MarkFlagRequired("leader-addr")
	_ = joinCmd.MarkFlagRequired("token")
}

func runJoin(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	controlAddr, _ := cmd.Flags().GetString("control-addr")
	leaderAddr, _ := cmd.Flags().GetString("leader-addr")
	token, _ := cmd.Flags().GetString("token")
	replicaset, _ := cmd.Flags().GetString("replicaset")

	bootCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tokens := cluster.NewTokenManager()
	in, err := openInstance(bootCfg.ClusterName, bootCfg.InstanceName, bindAddr, controlAddr, bootCfg.DataDir, tokens)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinCallDeadline)
	defer cancel()

	client, err := transport.Dial(ctx, leaderAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", leaderAddr, err)
	}
	defer client.Close()

	resp, err := client.Join(ctx, transport.JoinRequest{
		ClusterName:    bootCfg.ClusterName,
		InstanceName:   bootCfg.InstanceName,
		ReplicasetName: replicaset,
		AdvertiseAddr:  bindAddr,
		FailureDomain:  bootCfg.FailureDomainTyped(),
		Tier:           bootCfg.Tier,
		Token:          token,
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	fmt.Printf("Joined cluster %q as %q (raft_id=%d, replicaset=%s)\n",
		bootCfg.ClusterName, resp.Instance.Name, resp.Instance.RaftID, resp.Instance.ReplicasetName)
	fmt.Printf("Control-plane listening on %s\n", in.transport.Addr())

	stop := make(chan struct{})
	go func() { waitForSignal(func() { close(stop) }) }()
	in.run(stop)
	return nil
}
