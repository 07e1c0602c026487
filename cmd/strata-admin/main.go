package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stratastore/strata/pkg/admin"
	"github.com/stratastore/strata/pkg/model"
	"github.com/stratastore/strata/pkg/ring"
	"github.com/stratastore/strata/pkg/rpc"
	"github.com/stratastore/strata/pkg/security"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata-admin",
	Short: "Operator CLI for a strata node: trigger repair, inspect bucket usage",
}

func init() {
	rootCmd.PersistentFlags().String("node", "", "nodeid@host:port of the node to reach (required)")
	rootCmd.PersistentFlags().String("psk", "", "hex-encoded cluster PSK (required, matches the node's rpc_secret)")
	rootCmd.MarkPersistentFlagRequired("node")
	rootCmd.MarkPersistentFlagRequired("psk")

	repairCmd.AddCommand(repairRunCmd)
	rootCmd.AddCommand(repairCmd)

	bucketCmd.AddCommand(bucketUsageCmd)
	rootCmd.AddCommand(bucketCmd)
}

// dial builds a throwaway RPC client: a zero self id, the shared PSK, and
// a single peer registered at the target node's address. Mirrors the
// single-caller shape pkg/repair's tests use to reach a node, without
// registering any server-side handlers of its own.
func dial(cmd *cobra.Command) (*rpc.System, *admin.Endpoints, error) {
	nodeFlag, _ := cmd.Flags().GetString("node")
	pskFlag, _ := cmd.Flags().GetString("psk")

	target, addr, err := splitNodeAddr(nodeFlag)
	if err != nil {
		return nil, nil, err
	}
	psk, err := security.ParsePSK(pskFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("--psk: %w", err)
	}

	var self ring.NodeID // the admin CLI is not itself a cluster member
	sys, err := rpc.NewSystem(rpc.Config{Self: self, PSK: psk, DefaultTimeout: 10 * time.Second})
	if err != nil {
		return nil, nil, err
	}
	sys.AddPeer(target, addr)
	return sys, admin.ClientEndpoints(sys), nil
}

func splitNodeAddr(s string) (ring.NodeID, string, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			id, err := ring.ParseNodeID(s[:i])
			if err != nil {
				return ring.NodeID{}, "", err
			}
			return id, s[i+1:], nil
		}
	}
	return ring.NodeID{}, "", fmt.Errorf("--node must be nodeid@host:port, got %q", s)
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Trigger or inspect the node's background repair driver",
}

var repairRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every repair pass on the target node immediately, synchronously",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, ep, err := dial(cmd)
		if err != nil {
			return err
		}
		defer sys.Close()

		nodeFlag, _ := cmd.Flags().GetString("node")
		target, _, _ := splitNodeAddr(nodeFlag)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		_, err = rpc.Call[admin.RunRepairRequest, admin.RunRepairResponse](ctx, ep.RunRepair, target, admin.RunRepairRequest{}, rpc.CallOptions{Priority: rpc.PriorityNormal})
		if err != nil {
			return fmt.Errorf("run repair: %w", err)
		}
		fmt.Println("repair passes completed")
		return nil
	},
}

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Inspect bucket usage and quotas",
}

var bucketUsageCmd = &cobra.Command{
	Use:   "usage BUCKET_ID",
	Short: "Print a bucket's live object count and byte usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bucket, err := parseBucketID(args[0])
		if err != nil {
			return err
		}

		sys, ep, err := dial(cmd)
		if err != nil {
			return err
		}
		defer sys.Close()

		nodeFlag, _ := cmd.Flags().GetString("node")
		target, _, _ := splitNodeAddr(nodeFlag)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		resp, err := rpc.Call[admin.BucketUsageRequest, admin.BucketUsageResponse](ctx, ep.BucketUsage, target, admin.BucketUsageRequest{Bucket: bucket}, rpc.CallOptions{Priority: rpc.PriorityNormal})
		if err != nil {
			return fmt.Errorf("bucket usage: %w", err)
		}
		fmt.Printf("objects: %d\n", resp.Objects)
		fmt.Printf("bytes:   %d\n", resp.Bytes)
		return nil
	},
}

func parseBucketID(s string) (model.BucketID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return model.BucketID{}, fmt.Errorf("invalid bucket id %q: %w", s, err)
	}
	return model.BucketID(u), nil
}
