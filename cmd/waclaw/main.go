// waclaw bridges WhatsApp conversations to a generative agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/waclaw/waclaw/pkg/agent"
	"github.com/waclaw/waclaw/pkg/bus"
	"github.com/waclaw/waclaw/pkg/config"
	"github.com/waclaw/waclaw/pkg/logger"
	"github.com/waclaw/waclaw/pkg/store"
	"github.com/waclaw/waclaw/pkg/whatsapp"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "waclaw",
		Short:         "WhatsApp bridge for a generative agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	root.AddCommand(runCmd(), sendCmd(), pairCmd(), allowCmd(), groupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup() (config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger.SetLevel(cfg.LogLevel)
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, st, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to WhatsApp and serve the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := setup()
			if err != nil {
				return err
			}

			router := bus.NewRouter()
			sup := whatsapp.NewSupervisor(cfg, st, agent.New(cfg.Agent), router)

			if err := sup.Connect(cmd.Context()); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logger.InfoC("main", "Shutting down")
			sup.Disconnect()
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send --to <phone|jid> <message>",
		Short: "Send a one-off message through the bridge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return errors.New("--to is required")
			}
			cfg, st, err := setup()
			if err != nil {
				return err
			}

			router := bus.NewRouter()
			sup := whatsapp.NewSupervisor(cfg, st, agent.New(cfg.Agent), router)
			if err := sup.Connect(cmd.Context()); err != nil {
				return err
			}
			defer sup.Disconnect()

			if err := waitConnected(cmd.Context(), sup, time.Minute); err != nil {
				return err
			}

			res, err := router.Send(cmd.Context(), bus.OutboundMessage{
				Channel: "whatsapp",
				To:      to,
				Content: strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			fmt.Println("sent", res.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient phone number or JID")
	return cmd
}

func waitConnected(ctx context.Context, sup *whatsapp.Supervisor, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch sup.Status().State {
		case whatsapp.StateConnected:
			return nil
		case whatsapp.StateQRReady:
			// QR is on the terminal; keep waiting for the scan.
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errors.New("timed out waiting for connection")
}

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage pairing requests",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code and allowlist the peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			phone, err := st.ApprovePairing(args[0])
			if err != nil {
				return err
			}
			fmt.Println("approved", phone)
			return nil
		},
	})
	return cmd
}

func allowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allow",
		Short: "Manage the DM allowlist",
	}

	var label, jid string
	add := &cobra.Command{
		Use:   "add <phone>",
		Short: "Allowlist a phone number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			return st.AddToAllowlist(args[0], jid, label)
		},
	}
	add.Flags().StringVar(&label, "label", "", "display label")
	add.Flags().StringVar(&jid, "jid", "", "known conversation JID")

	remove := &cobra.Command{
		Use:   "remove <phone|jid>",
		Short: "Remove an allowlist entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			removed, err := st.RemoveFromAllowlist(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no entry for %s", args[0])
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List allowlist entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			entries, err := st.ListAllowlist()
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := e.Phone
				if e.Label != "" {
					line += "\t" + e.Label
				}
				if e.RawID != "" {
					line += "\t" + e.RawID
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func groupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage group response policy",
	}

	var name, mode string
	add := &cobra.Command{
		Use:   "add <group-jid>",
		Short: "Enable the bridge in a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			return st.AddGroup(args[0], name, store.GroupMode(mode))
		},
	}
	add.Flags().StringVar(&name, "name", "", "group display name")
	add.Flags().StringVar(&mode, "mode", string(store.ModeMentions), "response mode: all|mentions|observe")

	remove := &cobra.Command{
		Use:   "remove <group-jid>",
		Short: "Remove a group entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			return st.RemoveGroup(args[0])
		},
	}

	setMode := &cobra.Command{
		Use:   "mode <group-jid> <all|mentions|observe>",
		Short: "Change a group's response mode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			m := store.GroupMode(args[1])
			switch m {
			case store.ModeAll, store.ModeMentions, store.ModeObserve:
			default:
				return fmt.Errorf("invalid mode %q", args[1])
			}
			return st.UpdateGroup(args[0], store.GroupUpdate{Mode: &m})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List group entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := setup()
			if err != nil {
				return err
			}
			groups, err := st.ListGroups()
			if err != nil {
				return err
			}
			for _, g := range groups {
				state := "enabled"
				if !g.Enabled {
					state = "disabled"
				}
				m := g.Mode
				if m == "" {
					m = store.ModeMentions
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", g.GroupID, g.GroupName, m, state)
			}
			return nil
		},
	}

	cmd.AddCommand(add, remove, setMode, list)
	return cmd
}
