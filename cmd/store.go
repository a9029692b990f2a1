package cmd

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/edc-sim/edc-sim/sim/jobstore"
	"github.com/edc-sim/edc-sim/sim/workload"
)

var (
	storeRedis jobstore.RedisOptions
	storeName  string
)

var storeCmd = &cobra.Command{
	Use:   "store <workload-file>",
	Short: "Write workload descriptions to the Redis job store",
	Long:  "Write the job and profile descriptions of a workload to Redis, so that decision components can submit its jobs without descriptions.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		w, err := workload.Load(storeName, args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		s := jobstore.NewRedis(storeRedis)
		defer func() {
			if err := s.Close(); err != nil {
				logrus.Warnf("Closing job store: %v", err)
			}
		}()
		if err := s.Ping(cmd.Context()); err != nil {
			logrus.Fatalf("%v", err)
		}
		n, err := putWorkload(cmd.Context(), s, w)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Infof("Stored %d jobs of workload %q", n, w.Name)
	},
}

// descriptionWriter is the write side of a job store.
type descriptionWriter interface {
	PutJob(ctx context.Context, id string, desc []byte) error
	PutProfile(ctx context.Context, workloadName, profile string, desc []byte) error
}

// putWorkload writes every profile and job description of w and returns the
// number of jobs written.
func putWorkload(ctx context.Context, s descriptionWriter, w *workload.Workload) (int, error) {
	for name, p := range w.Profiles {
		desc, err := json.Marshal(p)
		if err != nil {
			return 0, err
		}
		if err := s.PutProfile(ctx, w.Name, name, desc); err != nil {
			return 0, err
		}
	}
	jobs, err := w.Build()
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := s.PutJob(ctx, j.ID, j.Description); err != nil {
			return 0, err
		}
	}
	return len(jobs), nil
}

func init() {
	storeCmd.Flags().StringVar(&storeRedis.Addr, "redis-addr", "localhost:6379", "Redis address")
	storeCmd.Flags().StringVar(&storeRedis.Password, "redis-password", "", "Redis password")
	storeCmd.Flags().IntVar(&storeRedis.DB, "redis-db", 0, "Redis database")
	storeCmd.Flags().StringVar(&storeRedis.Prefix, "redis-prefix", jobstore.DefaultRedisPrefix, "Key prefix")
	storeCmd.Flags().StringVar(&storeName, "name", "w0", "Workload name")

	rootCmd.AddCommand(storeCmd)
}
