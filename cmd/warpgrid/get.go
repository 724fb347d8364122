package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warpgrid/warpgrid/pkg/membership"
	"github.com/warpgrid/warpgrid/pkg/types"
)

var getCmd = &cobra.Command{
	Use:   "get [namespace] [name]",
	Short: "List deployments or show one",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <namespace> <name>",
	Short: "Undeploy a deployment",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster nodes",
	RunE:  runNodes,
}

func init() {
	for _, c := range []*cobra.Command{getCmd, deleteCmd, nodesCmd} {
		c.Flags().String("server", "http://127.0.0.1:7720", "Control plane address")
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	client := newAPIClient(server)
	ctx := context.Background()

	if len(args) == 2 {
		var spec types.DeploymentSpec
		path := fmt.Sprintf("/v1/namespaces/%s/deployments/%s", args[0], args[1])
		if err := client.do(ctx, http.MethodGet, path, nil, &spec); err != nil {
			return err
		}
		var instances []*types.InstanceState
		_ = client.do(ctx, http.MethodGet, path+"/instances", nil, &instances)

		fmt.Printf("Deployment: %s\nSource:     %s\nTrigger:    %s\nInstances:  %d-%d\n",
			spec.Key(), spec.Source, spec.Trigger.Type, spec.Instances.Min, spec.Instances.Max)
		for _, inst := range instances {
			fmt.Printf("  %s  node=%s  status=%s  health=%s\n", inst.ID, inst.NodeID, inst.Status, inst.Health)
		}
		return nil
	}

	var specs []*types.DeploymentSpec
	path := fmt.Sprintf("/v1/namespaces/%s/deployments/", args[0])
	if err := client.do(ctx, http.MethodGet, path, nil, &specs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRIGGER\tINSTANCES\tSOURCE")
	for _, spec := range specs {
		fmt.Fprintf(w, "%s\t%s\t%d-%d\t%s\n", spec.Name, spec.Trigger.Type, spec.Instances.Min, spec.Instances.Max, spec.Source)
	}
	return w.Flush()
}

func runDelete(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	client := newAPIClient(server)

	path := fmt.Sprintf("/v1/namespaces/%s/deployments/%s", args[0], args[1])
	if err := client.do(context.Background(), http.MethodDelete, path, nil, nil); err != nil {
		return err
	}
	fmt.Printf("deployment %s/%s deleted\n", args[0], args[1])
	return nil
}

func runNodes(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	client := newAPIClient(server)

	var members []*membership.Member
	if err := client.do(context.Background(), http.MethodGet, "/v1/nodes", nil, &members); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tSTATUS\tMEM USED/CAP\tCPU USED/CAP\tLAST HEARTBEAT")
	for _, m := range members {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%d/%d\t%d/%d\t%s\n",
			m.ID, m.Address, m.Port, m.Status,
			m.UsedMemoryBytes, m.CapacityMemoryBytes,
			m.UsedCPUWeight, m.CapacityCPUWeight,
			time.Unix(m.LastHeartbeat, 0).Format(time.RFC3339))
	}
	return w.Flush()
}
