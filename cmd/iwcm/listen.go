package main

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/Clouded-Sabre/iwarp-cm/lib"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type listenFlags struct {
	vlan    uint16
	backlog int32
	reject  bool
	pdata   string
	ird     uint32
	ord     uint32
}

// acceptingSink answers every connect request on the event worker.
type acceptingSink struct {
	core *lib.CmCore
	f    *listenFlags
	qp   uint32
}

func (s *acceptingSink) Deliver(ev lib.Event) {
	logEvent(ev)
	if ev.Type != lib.EventConnectRequest {
		return
	}
	if s.f.reject {
		if err := s.core.Reject(ev.Handle, []byte(s.f.pdata)); err != nil {
			log.Warn().Err(err).Str("conn", ev.ID.String()).Msg("reject failed")
		}
		return
	}
	s.qp++
	err := s.core.Accept(context.Background(), ev.Handle, lib.AcceptParams{
		PrivateData: []byte(s.f.pdata),
		IRD:         s.f.ird,
		ORD:         s.f.ord,
		QP:          lib.QPNum(s.qp),
	})
	if err != nil {
		log.Warn().Err(err).Str("conn", ev.ID.String()).Msg("accept failed")
	}
}

func newListenCmd(g *globalFlags) *cobra.Command {
	var f listenFlags
	cmd := &cobra.Command{
		Use:   "listen <addr:port>",
		Short: "Listen for connect requests and accept or reject them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netip.ParseAddrPort(args[0])
			if err != nil {
				return fmt.Errorf("invalid listen address %q: %w", args[0], err)
			}
			cfg, err := setup(g)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			sink := &acceptingSink{f: &f}
			rt, err := start(ctx, cfg, g, sink)
			if err != nil {
				return err
			}
			sink.core = rt.core

			h, err := rt.core.CreateListener(lib.ListenParams{
				Addr:    addr,
				VlanID:  f.vlan,
				Backlog: f.backlog,
			})
			if err != nil {
				cancel()
				rt.wait()
				return err
			}
			log.Info().Stringer("addr", h.Addr()).Str("listener", h.ID().String()).Msg("listening")
			return rt.wait()
		},
	}
	cmd.Flags().Uint16Var(&f.vlan, "vlan", 0, "VLAN id, 0 for untagged")
	cmd.Flags().Int32Var(&f.backlog, "backlog", 16, "maximum pending accepts")
	cmd.Flags().BoolVar(&f.reject, "reject", false, "reject every connect request")
	cmd.Flags().StringVar(&f.pdata, "pdata", "", "private data sent with the reply")
	cmd.Flags().Uint32Var(&f.ird, "ird", 16, "inbound RDMA read depth")
	cmd.Flags().Uint32Var(&f.ord, "ord", 16, "outbound RDMA read depth")
	return cmd
}
