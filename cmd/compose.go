package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/edc-sim/edc-sim/sim/workload"
)

var (
	composeFrom   map[string]string
	composeFormat string
)

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Merge multiple workloads into one",
	Long:  "Load workloads given as name=file and merge them into a single workload. Job ids and profile names are prefixed with their workload name. Output is written to stdout.",
	Run: func(cmd *cobra.Command, args []string) {
		if len(composeFrom) == 0 {
			logrus.Fatalf("at least one --from flag is required")
		}

		var ws []*workload.Workload
		for name, path := range composeFrom {
			w, err := workload.Load(name, path)
			if err != nil {
				logrus.Fatalf("Failed to load workload %s: %v", path, err)
			}
			ws = append(ws, w)
		}

		merged, err := workload.Compose(ws)
		if err != nil {
			logrus.Fatalf("Compose failed: %v", err)
		}
		writeWorkloadToStdout(merged, composeFormat)
	},
}

func init() {
	composeCmd.Flags().StringToStringVar(&composeFrom, "from", nil, "Workload as name=file (can be repeated)")
	composeCmd.Flags().StringVar(&composeFormat, "format", "json", "Output format: json or yaml")
	_ = composeCmd.MarkFlagRequired("from")

	rootCmd.AddCommand(composeCmd)
}
