package main

import (
	"fmt"
	"time"

	"github.com/cuemby/meshdb/pkg/cluster"
	"github.com/cuemby/meshdb/pkg/config"
	"github.com/cuemby/meshdb/pkg/types"
	"github.com/spf13/cobra"
)

const defaultJoinTokenTTL = 24 * time.Hour

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Form a brand-new cluster with this instance as the seed",
	RunE:  runBootstrap,
}

func init() {
	bootstrapCmd.Flags().String("config", "", "Path to the cluster bootstrap YAML file (required)")
	bootstrapCmd.Flags().String("bind-addr", "127.0.0.1:7427", "Raft bind address")
	bootstrapCmd.Flags().String("control-addr", "127.0.0.1:7428", "Control-plane (proc_*) listen address")
	_ = bootstrapCmd.MarkFlagRequired("config")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	controlAddr, _ := cmd.Flags().GetString("control-addr")

	bootCfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	tokens := cluster.NewTokenManager()
	in, err := openInstance(bootCfg.ClusterName, bootCfg.InstanceName, bindAddr, controlAddr, bootCfg.DataDir, tokens)
	if err != nil {
		return err
	}

	tiers := make([]types.Tier, len(bootCfg.Tiers))
	for i, t := range bootCfg.Tiers {
		tiers[i] = types.Tier{Name: t.Name, ReplicationFactor: t.ReplicationFactor, Weight: t.Weight}
	}

	dbCfg := config.DefaultClusterDbConfig()
	table := config.NewClusterDbConfigTable(&dbCfg)
	values := make(map[string]string, len(table.Paths()))
	for _, path := range table.Paths() {
		values[path], _ = table.Default(path)
	}

	seed, err := cluster.Bootstrap(in.log, cluster.BootstrapConfig{
		ClusterName:    bootCfg.ClusterName,
		SeedNodeID:     bootCfg.InstanceName,
		SeedAddress:    bindAddr,
		SeedTier:       bootCfg.Tier,
		SeedDomain:     bootCfg.FailureDomainTyped(),
		Tiers:          tiers,
		DbConfigPaths:  table.Paths(),
		DbConfigValues: values,
	})
	if err != nil {
		return err
	}

	token, err := tokens.GenerateToken(defaultJoinTokenTTL)
	if err != nil {
		return err
	}

	fmt.Printf("Cluster %q bootstrapped, seed instance %q (raft_id=%d)\n", bootCfg.ClusterName, seed.Name, seed.RaftID)
	fmt.Printf("Join token (valid 24h): %s\n", token.Token)
	fmt.Printf("Control-plane listening on %s\n", in.transport.Addr())

	stop := make(chan struct{})
	go func() { waitForSignal(func() { close(stop) }) }()
	in.run(stop)
	return nil
}
