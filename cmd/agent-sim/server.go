package main

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/openbach-stack/conductor/internal/dispatch"
)

// Serve accepts agent connections on ln until ctx is cancelled. Each
// connection carries one framed instruction and one framed reply.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("agent simulator listening", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Simulator) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// A client that hangs up releases a hanging behavior.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var instr dispatch.Instruction
	if err := dispatch.ReadFrame(conn, &instr); err != nil {
		s.logger.Warn("reading instruction", "error", err)
		return
	}
	s.record(instr)
	s.logger.Debug("instruction received", "command", instr.Command)

	go func() {
		var one [1]byte
		conn.Read(one[:])
		cancel()
	}()

	reply, err := s.executeBehavior(ctx, s.matchBehavior(subject(instr)), instr)
	if err != nil {
		if !errors.Is(err, errDrop{}) {
			s.logger.Debug("instruction abandoned", "command", instr.Command, "error", err)
		}
		return
	}
	if err := dispatch.WriteFrame(conn, reply); err != nil {
		s.logger.Warn("writing reply", "error", err)
	}
}
