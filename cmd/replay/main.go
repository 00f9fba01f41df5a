// Command replay decodes a packet capture of world server traffic offline,
// printing one line per decrypted packet.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"github.com/aeolun/worldlink/pkg/logging"
	"github.com/aeolun/worldlink/pkg/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	pcapPath := flag.String("pcap", "", "Capture file (pcap or pcapng)")
	port := flag.Uint("port", 2000, "Server TCP port")
	clientSide := flag.Bool("client", false, "Also decode client->server packets")
	readyOp := flag.Uint("ready-opcode", protocol.OpClientReady, "Client-ready opcode used by the captured client")
	realtime := flag.Bool("realtime", false, "Pace output by the capture timestamps")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *pcapPath == "" {
		return errors.New("-pcap is required")
	}
	if *port == 0 || *port > 65535 {
		return fmt.Errorf("invalid port %d", *port)
	}
	if *readyOp > 0xFF {
		return fmt.Errorf("invalid ready opcode %#x", *readyOp)
	}

	level := "warn"
	if *debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Console: true})
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := os.Open(*pcapPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := newReplayer(os.Stdout, logger, uint16(*port))
	r.clientSide = *clientSide
	r.readyOp = uint8(*readyOp)
	r.realtime = *realtime

	err = r.replay(ctx, f)
	r.summary(os.Stderr)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		logger.Error("replay stopped", zap.Error(err))
	}
	return err
}
