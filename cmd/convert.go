package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edc-sim/edc-sim/sim/workload"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Rewrite a workload in another format",
	Long:  "Load and validate a workload (JSON or YAML) and write it back as YAML or JSON, or convert an SWF log. Output is written to stdout for piping.",
}

var (
	convertPath  string
	swfOptions   workload.SWFOptions
	swfOutFormat string
)

// --- edc-sim convert yaml ---

var convertYAMLCmd = &cobra.Command{
	Use:   "yaml",
	Short: "Convert a workload to YAML",
	Run: func(cmd *cobra.Command, args []string) {
		writeWorkloadToStdout(loadWorkloadOrDie(convertPath), "yaml")
	},
}

// --- edc-sim convert json ---

var convertJSONCmd = &cobra.Command{
	Use:   "json",
	Short: "Convert a workload to JSON",
	Run: func(cmd *cobra.Command, args []string) {
		writeWorkloadToStdout(loadWorkloadOrDie(convertPath), "json")
	},
}

// --- edc-sim convert swf ---

var convertSWFCmd = &cobra.Command{
	Use:   "swf",
	Short: "Convert a Standard Workload Format log to a delay workload",
	Run: func(cmd *cobra.Command, args []string) {
		w, err := workload.ConvertSWF(convertPath, swfOptions)
		if err != nil {
			logrus.Fatalf("SWF conversion failed: %v", err)
		}
		writeWorkloadToStdout(w, swfOutFormat)
	},
}

func loadWorkloadOrDie(path string) *workload.Workload {
	w, err := workload.Load("w", path)
	if err != nil {
		logrus.Fatalf("Failed to load workload %s: %v", path, err)
	}
	return w
}

// marshalWorkload encodes w as "yaml" or "json".
func marshalWorkload(w *workload.Workload, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(w)
	case "json":
		data, err := json.MarshalIndent(w, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("unknown workload format %q", format)
}

// writeWorkloadToStdout marshals a workload and writes it to stdout.
func writeWorkloadToStdout(w *workload.Workload, format string) {
	data, err := marshalWorkload(w, format)
	if err != nil {
		logrus.Fatalf("Workload marshal failed: %v", err)
	}
	fmt.Print(string(data))
}

func init() {
	for _, c := range []*cobra.Command{convertYAMLCmd, convertJSONCmd} {
		c.Flags().StringVar(&convertPath, "file", "", "Path to the workload file")
		_ = c.MarkFlagRequired("file")
		convertCmd.AddCommand(c)
	}

	convertSWFCmd.Flags().StringVar(&convertPath, "file", "", "Path to the SWF log")
	convertSWFCmd.Flags().IntVar(&swfOptions.NbRes, "nb-res", 0, "Machine count (default: MaxProcs header, then the largest job)")
	convertSWFCmd.Flags().BoolVar(&swfOptions.KeepFailed, "keep-failed", false, "Keep jobs that did not complete")
	convertSWFCmd.Flags().BoolVar(&swfOptions.KeepSubmitTimes, "keep-submit-times", false, "Do not shift the first submission to 0")
	convertSWFCmd.Flags().StringVar(&swfOutFormat, "format", "json", "Output format: json or yaml")
	_ = convertSWFCmd.MarkFlagRequired("file")
	convertCmd.AddCommand(convertSWFCmd)

	rootCmd.AddCommand(convertCmd)
}
