package main

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/Clouded-Sabre/iwarp-cm/lib"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type connectFlags struct {
	local string
	vlan  uint16
	pdata string
	ird   uint32
	ord   uint32
	hold  time.Duration
	qp    uint32
}

// replySink forwards the connect reply to the waiting command.
type replySink struct {
	replies chan lib.Event
}

func (s *replySink) Deliver(ev lib.Event) {
	logEvent(ev)
	switch ev.Type {
	case lib.EventConnectReply, lib.EventMpaReject:
		select {
		case s.replies <- ev:
		default:
		}
	}
}

func newConnectCmd(g *globalFlags) *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "connect <remote addr:port>",
		Short: "Open a connection and hold it for a while",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := netip.ParseAddrPort(args[0])
			if err != nil {
				return fmt.Errorf("invalid remote address %q: %w", args[0], err)
			}
			local, err := netip.ParseAddrPort(f.local)
			if err != nil {
				return fmt.Errorf("invalid local address %q: %w", f.local, err)
			}
			cfg, err := setup(g)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			sink := &replySink{replies: make(chan lib.Event, 1)}
			rt, err := start(ctx, cfg, g, sink)
			if err != nil {
				return err
			}

			h, err := rt.core.Connect(ctx, lib.ConnectParams{
				Local:       local,
				Remote:      remote,
				VlanID:      f.vlan,
				PrivateData: []byte(f.pdata),
				IRD:         f.ird,
				ORD:         f.ord,
				QP:          lib.QPNum(f.qp),
			})
			if err != nil {
				cancel()
				rt.wait()
				return err
			}

			var result error
			select {
			case ev := <-sink.replies:
				if ev.Status != nil {
					result = fmt.Errorf("connect to %s: %w", remote, ev.Status)
					break
				}
				log.Info().Stringer("remote", remote).Dur("hold", f.hold).Msg("connected")
				select {
				case <-time.After(f.hold):
					if err := rt.core.Disconnect(h, false); err != nil {
						log.Warn().Err(err).Msg("disconnect")
					}
				case <-ctx.Done():
				}
			case <-ctx.Done():
				result = errors.New("interrupted before connect reply")
				if err := rt.core.Close(h); err != nil {
					log.Warn().Err(err).Msg("close")
				}
			}

			// give the event worker a moment to report the close
			time.Sleep(100 * time.Millisecond)
			cancel()
			if err := rt.wait(); err != nil && result == nil {
				result = err
			}
			return result
		},
	}
	cmd.Flags().StringVar(&f.local, "local", "10.0.0.1:0", "local address, port 0 picks an ephemeral port")
	cmd.Flags().Uint16Var(&f.vlan, "vlan", 0, "VLAN id, 0 for untagged")
	cmd.Flags().StringVar(&f.pdata, "pdata", "", "private data sent with the MPA request")
	cmd.Flags().Uint32Var(&f.ird, "ird", 16, "inbound RDMA read depth")
	cmd.Flags().Uint32Var(&f.ord, "ord", 16, "outbound RDMA read depth")
	cmd.Flags().DurationVar(&f.hold, "hold", 5*time.Second, "how long to keep the connection before disconnecting")
	cmd.Flags().Uint32Var(&f.qp, "qp", 1, "queue pair number bound to the connection")
	return cmd
}
