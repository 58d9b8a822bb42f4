// Command hetzprox provisions Proxmox VE onto the local machine's disks from
// a rescue environment, driving the unattended installer inside a transient
// QEMU process with direct disk passthrough.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markim/hetz-prox/internal/image"
	"github.com/markim/hetz-prox/internal/inventory"
	"github.com/markim/hetz-prox/internal/logging"
	"github.com/markim/hetz-prox/internal/netinfo"
	"github.com/markim/hetz-prox/internal/pipeline"
	"github.com/markim/hetz-prox/internal/profile"
	"github.com/markim/hetz-prox/internal/remote"
	"github.com/markim/hetz-prox/internal/topology"
	"github.com/markim/hetz-prox/internal/vm"
)

const credentialEnv = "HETZPROX_ROOT_PASSWORD"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.New(os.Stderr, &levelVar, false)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := "info"

	root := &cobra.Command{
		Use:           "hetzprox",
		Short:         "Unattended Proxmox VE install onto a rescue-booted bare-metal host",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		return nil
	}

	root.AddCommand(
		newInstallCommand(logger),
		newDisksCommand(logger),
	)
	return root
}

func newInstallCommand(logger *slog.Logger) *cobra.Command {
	var (
		profilePath   string
		fqdn          string
		mailto        string
		timezone      string
		isoPath       string
		isoURL        string
		diskSelection string
		diskIndexes   []int
		delivery      string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run the full provisioning pipeline against the local disks",
		Long: "Resolves the disk topology, writes the answer file, prepares the install\n" +
			"media and runs the unattended install followed by the post-install\n" +
			"configuration push. The install phase ERASES the assigned disks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prof, err := profile.Load(profilePath)
			if err != nil {
				return err
			}
			applyOverride(&prof.FQDN, fqdn)
			applyOverride(&prof.Mailto, mailto)
			applyOverride(&prof.Timezone, timezone)
			applyOverride(&prof.ISOPath, isoPath)
			applyOverride(&prof.ISOURL, isoURL)
			applyOverride(&prof.DiskSelection, diskSelection)
			applyOverride(&prof.AnswerDelivery, delivery)
			if len(diskIndexes) > 0 {
				prof.DiskIndexes = diskIndexes
			}
			if err := prof.Validate(); err != nil {
				return err
			}

			credential, err := collectCredential(cmd)
			if err != nil {
				return err
			}

			cmdLogger := logger.With("command", "install", "fqdn", prof.FQDN)
			manager := vm.NewManager(cmdLogger.With("component", "vm"))

			cfg := pipeline.Config{
				Profile:    prof,
				Credential: credential,
				Selection:  selectionFor(prof),
				Logger:     cmdLogger,
			}
			co := pipeline.Collaborators{
				Inventory: func(ctx context.Context) ([]topology.Disk, error) {
					return inventory.Enumerate(ctx, cmdLogger.With("component", "inventory"))
				},
				Network:  netinfo.Discover,
				Preparer: image.NewPreparer(cmdLogger.With("component", "image")),
				Driver:   pipeline.NewQEMUDriver(manager),
				DialRunner: func(addr, credential string) (remote.Runner, func() error, error) {
					runner, err := remote.DialSSH(addr, credential)
					if err != nil {
						return nil, nil, err
					}
					return runner, runner.Close, nil
				},
				BuildVolume: image.BuildAnswerVolume,
			}

			p, err := pipeline.New(cfg, co)
			if err != nil {
				return err
			}

			cmdLogger.Info("starting provisioning run", "run_dir", p.RunDir())
			if err := p.Run(cmd.Context()); err != nil {
				cmdLogger.Error("provisioning failed", "error", err)
				return err
			}
			cmdLogger.Info("provisioning complete; target powered off and ready for normal boot")
			return nil
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "", "Path to a YAML run profile")
	cmd.Flags().StringVar(&fqdn, "fqdn", "", "Fully-qualified domain name of the target")
	cmd.Flags().StringVar(&mailto, "mailto", "", "Contact address for the target")
	cmd.Flags().StringVar(&timezone, "timezone", "", "Target timezone")
	cmd.Flags().StringVar(&isoPath, "iso", "", "Path to the installer ISO")
	cmd.Flags().StringVar(&isoURL, "iso-url", "", "Download URL used when the ISO is absent")
	cmd.Flags().StringVar(&diskSelection, "disks", "", "Disk selection mode (all, smallest-pair, manual)")
	cmd.Flags().IntSliceVar(&diskIndexes, "disk-index", nil, "1-based disk index for manual selection; repeat to add disks")
	cmd.Flags().StringVar(&delivery, "answer-delivery", "", "Answer delivery mode (embedded, volume)")

	return cmd
}

func newDisksCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "disks",
		Short: "List the disk inventory and the topology each selection mode resolves",
		RunE: func(cmd *cobra.Command, args []string) error {
			disks, err := inventory.Enumerate(cmd.Context(), logger.With("command", "disks"))
			if err != nil {
				return err
			}
			if len(disks) == 0 {
				return topology.ErrNoDisks
			}

			out := cmd.OutOrStdout()
			for i, disk := range disks {
				fmt.Fprintf(out, "%2d  %-14s %12d bytes  %s\n", i+1, disk.Path, disk.SizeBytes, disk.Model)
			}

			for _, mode := range []topology.SelectionMode{topology.SelectAll, topology.SelectSmallestPair} {
				decision, err := topology.Resolve(disks, topology.Selection{Mode: mode})
				if err != nil {
					fmt.Fprintf(out, "%-14s (not applicable: %v)\n", mode, err)
					continue
				}
				fmt.Fprintf(out, "%-14s -> %s on %d disk(s), %d excluded\n",
					mode, decision.Class, len(decision.Assigned), len(decision.Excluded))
			}
			return nil
		},
	}
}

// collectCredential takes the root password from the environment or prompts
// for it, looping until a non-empty value is supplied. The artifact builder
// enforces non-emptiness again as a hard precondition.
func collectCredential(cmd *cobra.Command) (string, error) {
	if value := os.Getenv(credentialEnv); strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no terminal for password prompt; set %s", credentialEnv)
	}

	for {
		fmt.Fprint(cmd.ErrOrStderr(), "Target root password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		if value := strings.TrimSpace(string(raw)); value != "" {
			return value, nil
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Password must not be empty.")
	}
}

func selectionFor(prof profile.Profile) topology.Selection {
	switch prof.DiskSelection {
	case "smallest-pair":
		return topology.Selection{Mode: topology.SelectSmallestPair}
	case "manual":
		return topology.Selection{Mode: topology.SelectManual, Indexes: prof.DiskIndexes}
	default:
		return topology.Selection{Mode: topology.SelectAll}
	}
}

func applyOverride(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}
