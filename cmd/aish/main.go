// Command aish is the interactive shell facade (spec §4.8, §6): a CLI
// that addresses specialists by friendly name, broadcasts, manages
// forwarding rules, and reports roster/status — one process per
// invocation, same as the original aish scripts.
//
// Grounded on the teacher's cobra-free main.go restructured around
// spf13/cobra the way the rest of the example pack's CLIs are built
// (papapumpkin-quasar, turtacn-KeyIP-Intelligence): one subcommand per
// spec operation, RunE returning an error the root command translates
// into an exit code.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/ckoons/Tekton-sub009/internal/config"
	"github.com/ckoons/Tekton-sub009/internal/discovery"
	"github.com/ckoons/Tekton-sub009/internal/fabric"
	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
	"github.com/ckoons/Tekton-sub009/internal/loadshed"
	"github.com/ckoons/Tekton-sub009/internal/obslog"
	"github.com/ckoons/Tekton-sub009/internal/overlay"
	"github.com/ckoons/Tekton-sub009/internal/portmap"
	"github.com/ckoons/Tekton-sub009/internal/roster"
	"github.com/ckoons/Tekton-sub009/internal/shellfacade"
	"github.com/ckoons/Tekton-sub009/internal/terminalbridge"
)

// exitCoder lets a command report a specific spec §6 exit code instead
// of the default 1.
type exitCoder interface {
	ExitCode() int
}

type invocationError struct{ msg string }

func (e invocationError) Error() string { return e.msg }
func (e invocationError) ExitCode() int  { return 1 }

type unknownSpecialistError struct{ msg string }

func (e unknownSpecialistError) Error() string { return e.msg }
func (e unknownSpecialistError) ExitCode() int  { return 3 }

// env bundles everything a subcommand needs; built once in
// PersistentPreRunE so configuration errors exit 2 uniformly.
type env struct {
	facade *shellfacade.Facade
	disc   *discovery.Discovery
	ros    *roster.Roster
	ov     *overlay.Overlay
	fab    *fabric.Fabric
}

func buildEnv() (*env, error) {
	logger := obslog.New(obslog.Options{Level: obslog.LevelWarn, Format: obslog.FormatJSON})
	cfg, err := config.Load(&logger)
	if err != nil {
		return nil, configError{msg: err.Error()}
	}

	mapper := portmap.New(cfg.ComponentPortBase, cfg.AIPortBase, portmap.DefaultCatalog(cfg.ComponentPortBase), cfg.Host)
	bridge := terminalbridge.New(logger)
	ov, err := overlay.New(cfg.ForwardingStorePath, bridge, logger)
	if err != nil {
		return nil, configError{msg: err.Error()}
	}

	fab := fabric.New(mapper, ov, nil, fabric.Config{
		ChannelQueueCap:     cfg.ChannelQueueCap,
		ConnectTimeout:      cfg.ConnectTimeout,
		DefaultDeadline:     cfg.DefaultDeadline,
		BroadcastSlack:      cfg.BroadcastSlack,
		BroadcastRatePerSec: cfg.BroadcastRatePerSec,
		BroadcastBurst:      cfg.BroadcastBurst,
	}, logger)

	gate := loadshed.New(cfg.CPURejectThreshold, 2*time.Second, logger)
	disc := discovery.New(fab, mapper, gate, cfg.ProbeCacheTTL, cfg.ProbeTimeout)
	ros := roster.New(disc)
	fab.SetPerformanceRecorder(ros)

	return &env{
		facade: shellfacade.New(fab, ros, ov),
		disc:   disc,
		ros:    ros,
		ov:     ov,
		fab:    fab,
	}, nil
}

type configError struct{ msg string }

func (e configError) Error() string { return e.msg }
func (e configError) ExitCode() int  { return 2 }

func main() {
	root := &cobra.Command{
		Use:           "aish",
		Short:         "Interactive shell facade for the Tekton AI Specialist Messaging Fabric",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var e *env
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		built, err := buildEnv()
		if err != nil {
			return err
		}
		e = built
		return nil
	}

	root.AddCommand(
		sendCmd(&e),
		broadcastCmd(&e),
		forwardCmd(&e),
		statusCmd(&e),
		listCmd(&e),
		rosterCmd(&e),
		hireCmd(&e),
		fireCmd(&e),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "aish:", err)
		if ec, ok := err.(exitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(1)
	}
}

func sendCmd(e **env) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <name> <body>",
		Short: "Send a prompt to one specialist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := (*e).facade.SendName(cmd.Context(), args[0], args[1], timeout)
			if err != nil {
				return translateSendErr(err)
			}
			fmt.Println(resp.Content)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "response deadline")
	return cmd
}

func broadcastCmd(e **env) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "broadcast <body>",
		Short: "Broadcast a prompt to every hired specialist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hired := (*e).ros.GetRoster()
			ids := make([]fabrictypes.SpecialistId, len(hired))
			for i, r := range hired {
				ids[i] = r.ID
			}
			if len(ids) == 0 {
				fmt.Println("no hired specialists")
				return nil
			}
			results, err := (*e).fab.Broadcast(cmd.Context(), ids, args[0], timeout)
			if err != nil {
				return invocationError{msg: err.Error()}
			}
			for _, id := range ids {
				res := results[id]
				if res.OK() {
					fmt.Printf("%s: %s\n", id, res.Response.Content)
				} else {
					fmt.Printf("%s: error: %s\n", id, res.Err.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-target response deadline")
	return cmd
}

func forwardCmd(e **env) *cobra.Command {
	root := &cobra.Command{Use: "forward", Short: "Manage the forwarding overlay"}

	var toTerminal bool
	set := &cobra.Command{
		Use:   "set <name> <dest>",
		Short: "Set a forwarding rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := overlay.FormatPlain
			if toTerminal {
				jsonFlag, _ := cmd.Flags().GetBool("json")
				if jsonFlag {
					format = overlay.FormatJSONEnvelope
				}
			}
			return (*e).ov.Set(shellfacade.NormalizeName(args[0]), fabrictypes.SpecialistId(args[1]), toTerminal, format)
		},
	}
	set.Flags().BoolVar(&toTerminal, "terminal", false, "destination is a human terminal inbox, not another specialist")
	set.Flags().Bool("json", false, "use json_envelope format for terminal delivery")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a forwarding rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*e).ov.Remove(shellfacade.NormalizeName(args[0]))
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List forwarding rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for name, dest := range (*e).ov.List() {
				fmt.Printf("%s -> %s\n", name, dest)
			}
			return nil
		},
	}

	root.AddCommand(set, remove, list)
	return root
}

func statusCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the fabric manifest (catalog, health, load)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := (*e).disc.Manifest(cmd.Context())
			for _, s := range m.Specialists {
				fmt.Printf("%-20s %-10s %s\n", s.ID, s.Health, s.ModelName)
			}
			fmt.Printf("load: cpu=%.1f%% mem=%.1f%% admitting=%v\n", m.LoadState.CPUPercent, m.LoadState.MemPercent, m.LoadState.Admitting)
			return nil
		},
	}
}

func listCmd(e **env) *cobra.Command {
	var typeFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known specialists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range (*e).disc.ListSpecialists(typeFilter) {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typeFilter, "type", "", "filter by substring of canonical name")
	return cmd
}

func rosterCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "roster",
		Short: "List hired specialists and their performance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, entry := range (*e).ros.GetRoster() {
				fmt.Printf("%-20s %-15s ok=%d failed=%d rate=%.2f\n",
					entry.ID, entry.Role, entry.SendsOK, entry.SendsFailed, entry.SuccessRate())
			}
			return nil
		},
	}
}

func hireCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "hire <id> <role>",
		Short: "Add a specialist to the roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*e).ros.Hire(cmd.Context(), shellfacade.NormalizeName(args[0]), args[1]); err != nil {
				return invocationError{msg: err.Error()}
			}
			return nil
		},
	}
}

func fireCmd(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "fire <id>",
		Short: "Remove a specialist from the roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			(*e).ros.Fire(shellfacade.NormalizeName(args[0]))
			return nil
		},
	}
}

func translateSendErr(err error) error {
	if fe, ok := err.(*fabrictypes.Error); ok && fe.Kind == fabrictypes.ErrUnknownSpecialist {
		return unknownSpecialistError{msg: fe.Error()}
	}
	return invocationError{msg: err.Error()}
}
