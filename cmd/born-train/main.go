// Command born-train trains a Flamingo-style model across one or more
// processes with checkpoint resume.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/born-ml/borntrain/internal/checkpoint"
	"github.com/born-ml/borntrain/internal/config"
	"github.com/born-ml/borntrain/internal/launch"
	"github.com/born-ml/borntrain/internal/synthetic"
	"github.com/born-ml/borntrain/internal/tensor"
	"github.com/born-ml/borntrain/internal/train"
)

const version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "born-train",
		Short:         "Distributed training with checkpoint resume",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCmd(), newLaunchCmd(), newInspectCmd(), newVersionCmd())
	return root
}

func newTrainCmd() *cobra.Command {
	loader := config.NewLoader()
	var configFile string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training process (rank from the launcher environment)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loader.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := train.Run(ctx, cfg, synthetic.Collaborators())
			if err != nil {
				return err
			}
			if res.Role.Designated() {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s finished at epoch %d; final weights in %s\n",
					cfg.RunName, res.LastEpoch, res.FinalWeights)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML file with flag values")
	loader.RegisterFlags(cmd.Flags())
	return cmd
}

func newLaunchCmd() *cobra.Command {
	var opts launch.Options
	cmd := &cobra.Command{
		Use:   "launch [flags] -- [train flags]",
		Short: "Start one train process per rank on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Args = append([]string{"train"}, args...)
			opts.Stdout = cmd.OutOrStdout()
			opts.Stderr = cmd.ErrOrStderr()
			return launch.Run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.NProc, "nproc", 1, "processes to start")
	cmd.Flags().StringVar(&opts.MasterAddr, "master-addr", "127.0.0.1", "rendezvous host")
	cmd.Flags().IntVar(&opts.MasterPort, "master-port", 0, "rendezvous port; 0 picks a free one")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Print the epoch and sections of a checkpoint record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, header, err := checkpoint.ReadRecord(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "epoch:   %d (resumes at %d)\n", state.Epoch, state.Epoch+1)
			fmt.Fprintf(out, "tensors: %d\n", len(header.Tensors))
			for _, section := range []struct {
				name string
				sd   map[string]int
			}{
				{checkpoint.SectionModel, sizes(state.Model)},
				{checkpoint.SectionOptimizer, sizes(state.Optimizer)},
				{checkpoint.SectionScheduler, sizes(state.Scheduler)},
			} {
				fmt.Fprintf(out, "%-10s %d entries\n", strings.TrimSuffix(section.name, "."), len(section.sd))
				keys := make([]string, 0, len(section.sd))
				for k := range section.sd {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, "  %-60s %d\n", k, section.sd[k])
				}
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "born-train %s\n", version)
		},
	}
}

// sizes maps each entry of a state dictionary to its element count.
func sizes(sd map[string]*tensor.RawTensor) map[string]int {
	out := make(map[string]int, len(sd))
	for k, v := range sd {
		out[k] = v.NumElements()
	}
	return out
}
