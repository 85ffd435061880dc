package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/resource"
)

// readCommands runs one command per input line until in is exhausted, ctx
// ends or the user quits.
func readCommands(ctx context.Context, quit context.CancelFunc, h *handler, in io.Reader, out io.Writer) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		args := strings.Fields(sc.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			quit()
			return
		}
		cmd := newCommands(h, out)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
	}
}

// newCommands builds a fresh tree per line so flag values do not leak
// between commands.
func newCommands(h *handler, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "meet",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetOut(out)
	root.SetErr(out)

	root.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show peers and their resources",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(out, "room %s, you are %s (%s)\n", h.inst.RoomHash(), h.inst.ID(), h.inst.Username())
			printPeers(out, h.inst.Peers())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "local",
		Short: "Show what this client provides",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printLocal(out, h.inst.LocalResources())
		},
	})

	var provideID string
	provide := &cobra.Command{
		Use:   "provide <path>",
		Short: "Offer a file to the room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, err := resource.NewFileSender(args[0], provideID)
			if err != nil {
				return err
			}
			return h.provide(fs)
		},
	}
	provide.Flags().StringVar(&provideID, "id", "", "resource id, random when empty")
	root.AddCommand(provide)

	var exposeID string
	expose := &cobra.Command{
		Use:   "expose <port>",
		Short: "Offer a local TCP port to the room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad port %q", args[0])
			}
			pe, err := resource.NewPortExposer(port, exposeID)
			if err != nil {
				return err
			}
			return h.provide(pe)
		},
	}
	expose.Flags().StringVar(&exposeID, "id", "", "resource id, p<port> when empty")
	root.AddCommand(expose)

	root.AddCommand(&cobra.Command{
		Use:   "unprovide <id>",
		Short: "Withdraw a local resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.unprovide(args[0])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:     "download <peer> <id> <path>",
		Aliases: []string{"get"},
		Short:   "Fetch a file resource into path",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := h.lookupPeer(args[0])
			if err != nil {
				return err
			}
			return h.download(p, args[1], args[2])
		},
	})

	var listen string
	forward := &cobra.Command{
		Use:   "forward <peer> <id>",
		Short: "Listen locally and tunnel connections to a port resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := h.lookupPeer(args[0])
			if err != nil {
				return err
			}
			fw, err := h.forward(p, args[1], listen)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "forwarding %s to %s/%s\n", fw.Addr(), p.ID, args[1])
			return nil
		},
	}
	forward.Flags().StringVar(&listen, "listen", "127.0.0.1:0", "local listen address")
	root.AddCommand(forward)

	var pli time.Duration
	export := &cobra.Command{
		Use:   "export <peer> <id> <path>",
		Short: "Record a track resource into a file (ivf, h264 or ogg by codec)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := h.lookupPeer(args[0])
			if err != nil {
				return err
			}
			return h.export(p, args[1], args[2], pli)
		},
	}
	export.Flags().DurationVar(&pli, "pli", 3*time.Second, "keyframe request interval, 0 disables")
	root.AddCommand(export)

	var label string
	relay := &cobra.Command{
		Use:   "relay <peer> <id>",
		Short: "Receive a track and provide it to the room again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := h.lookupPeer(args[0])
			if err != nil {
				return err
			}
			return h.relay(p, args[1], label)
		},
	}
	relay.Flags().StringVar(&label, "label", "", "label for the relayed track")
	root.AddCommand(relay)

	for _, muted := range []bool{true, false} {
		use, short := "mute <id>", "Pause a relayed track for every subscriber"
		if !muted {
			use, short = "unmute <id>", "Resume a muted relayed track"
		}
		root.AddCommand(&cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return h.setMuted(args[0], muted)
			},
		})
	}

	root.AddCommand(&cobra.Command{
		Use:   "stop <peer> <id>",
		Short: "Stop consuming a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := h.lookupPeer(args[0])
			if err != nil {
				return err
			}
			return h.stop(p, args[1])
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "chat <text...>",
		Short: "Send a chat line to everyone",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return h.inst.Chat(strings.Join(args, " "))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch <hash...>",
		Short: "Follow occupancy of other rooms, no hashes clears the list",
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes := make([]domain.RoomHash, len(args))
			for i, a := range args {
				hashes[i] = domain.RoomHash(a)
			}
			return h.inst.WatchRooms(hashes...)
		},
	})
	return root
}
