package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aquasecurity/table"
	"github.com/spf13/cobra"

	"go.ocapkernel.dev/kernel/internal/kernel"
	"go.ocapkernel.dev/kernel/internal/subcluster"
)

func pingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Checks that kerneld is reachable over the façade socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			var reply string
			if err := c.call("ping", struct{}{}, &reply); err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}

func launchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "launch <cluster-config.json>",
		Short: "Launches a subcluster from a JSON cluster config document.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var cfg subcluster.ClusterConfig
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return fmt.Errorf("kernelctl: malformed cluster config: %w", err)
			}
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			var result struct {
				SubclusterID kernel.SubclusterID `json:"subclusterId"`
				BootstrapKp  kernel.Kref         `json:"bootstrapKp"`
			}
			if err := c.call("launchSubcluster", cfg, &result); err != nil {
				return err
			}
			fmt.Printf("subcluster %s launched, bootstrap result %s\n", result.SubclusterID, result.BootstrapKp)
			return nil
		},
	}
}

func invokeCommand() *cobra.Command {
	var body string
	var slots []string
	cmd := &cobra.Command{
		Use:   "invoke <kref> <method>",
		Short: "Queues a message send against a live object or promise kref.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			slotKrefs := make([]kernel.Kref, 0, len(slots))
			for _, s := range slots {
				slotKrefs = append(slotKrefs, kernel.Kref(s))
			}
			params := map[string]any{
				"target": args[0],
				"method": args[1],
				"args":   kernel.CapData{Body: body, Slots: slotKrefs},
			}
			var result struct {
				Kp kernel.Kref `json:"kp"`
			}
			if err := c.call("queueMessage", params, &result); err != nil {
				return err
			}
			fmt.Println(result.Kp)
			return nil
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "opaque message body")
	cmd.Flags().StringSliceVar(&slots, "slots", nil, "comma-separated krefs carried as argument slots")
	return cmd
}

func terminateVatCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate-vat <vatId>",
		Short: "Terminates a single vat.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			params := map[string]any{"vatId": args[0], "reason": reason}
			return c.call("terminateVat", params, nil)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "reason recorded against promises this vat decided")
	return cmd
}

func reloadSubclusterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <subclusterId>",
		Short: "Restarts every vat in a subcluster, replaying each vat's transcript.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			return c.call("reloadSubcluster", map[string]any{"subclusterId": args[0]}, nil)
		},
	}
}

func terminateSubclusterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate-subcluster <subclusterId>",
		Short: "Terminates every vat in a subcluster and forgets it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			return c.call("terminateSubcluster", map[string]any{"subclusterId": args[0]}, nil)
		},
	}
}

func gcCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Drives the crank loop until the run queue and pending GC actions both drain.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			return c.call("collectGarbage", struct{}{}, nil)
		},
	}
}

func urlCommand() *cobra.Command {
	root := &cobra.Command{Use: "url", Short: "Issues and redeems opaque capability URLs."}
	root.AddCommand(
		&cobra.Command{
			Use:  "issue <kref>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := socketFlag(cmd)
				if err != nil {
					return err
				}
				var result struct {
					URL string `json:"url"`
				}
				if err := c.call("issueOcapURL", map[string]any{"kref": args[0]}, &result); err != nil {
					return err
				}
				fmt.Println(result.URL)
				return nil
			},
		},
		&cobra.Command{
			Use:  "redeem <url>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := socketFlag(cmd)
				if err != nil {
					return err
				}
				var result struct {
					Kref kernel.Kref `json:"kref"`
				}
				if err := c.call("redeemOcapURL", map[string]any{"url": args[0]}, &result); err != nil {
					return err
				}
				fmt.Println(result.Kref)
				return nil
			},
		},
	)
	return root
}

func queryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Runs a diagnostics-only read query against the KV substrate (Postgres backend only).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			var result struct {
				Rows []struct {
					Key   string `json:"Key"`
					Value string `json:"Value"`
				} `json:"rows"`
			}
			if err := c.call("executeDBQuery", map[string]any{"sql": args[0]}, &result); err != nil {
				return err
			}
			t := table.New(os.Stdout)
			t.SetHeaders("Key", "Value")
			for _, row := range result.Rows {
				t.AddRow(row.Key, row.Value)
			}
			t.Render()
			return nil
		},
	}
}

func viewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "view {objects|promises|vats|subclusters}",
		Short:     "Lists live kernel entities of one kind.",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: []string{"objects", "promises", "vats", "subclusters"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			method := "list" + strings.ToUpper(args[0][:1]) + args[0][1:]
			var result map[string][]string
			if err := c.call(method, struct{}{}, &result); err != nil {
				return err
			}
			t := table.New(os.Stdout)
			t.SetHeaders(args[0])
			for _, id := range result[args[0]] {
				t.AddRow(id)
			}
			t.Render()
			return nil
		},
	}
	return cmd
}

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <kref>",
		Short: "Prints the object- or promise-table row for a kref.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := socketFlag(cmd)
			if err != nil {
				return err
			}
			var result json.RawMessage
			if err := c.call("inspect", map[string]any{"kref": args[0]}, &result); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, result, "", "  "); err != nil {
				fmt.Println(string(result))
				return nil
			}
			fmt.Println(pretty.String())
			return nil
		},
	}
}
