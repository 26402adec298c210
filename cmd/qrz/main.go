// Command qrz receives files over stdin/stdout using ZModem or Kermit,
// the way rz does.  Run it on the far side of a terminal session whose
// local end is sending:
//
//	qrz [-p zmodem|zmodem16|kermit] [-l logfile] [-d directory]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/drunlade/go-xfer/session"
	"github.com/drunlade/go-xfer/transfer"
	"github.com/drunlade/go-xfer/transport"
)

func main() {
	protoName := flag.String("p", "zmodem", "protocol: zmodem, zmodem16, or kermit")
	logPath := flag.String("l", "", "write a transfer log to this file")
	dir := flag.String("d", ".", "directory to download into")
	keepPartial := flag.Bool("k", true, "keep partially received files")
	flag.Parse()

	var logger transfer.Logger = transfer.NoopLogger{}
	if *logPath != "" {
		fileLogger, err := transfer.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qrz: %v\n", err)
			os.Exit(1)
		}
		defer fileLogger.Close()
		// An explicit log file wants the per-frame detail.
		fileLogger.Verbose = true
		logger = fileLogger
	}

	var protocol session.Protocol
	switch *protoName {
	case "zmodem":
		protocol = session.ZmodemCRC32
	case "zmodem16":
		protocol = session.ZmodemCRC16
	case "kermit":
		protocol = session.Kermit
	default:
		fmt.Fprintf(os.Stderr, "qrz: unknown protocol %q\n", *protoName)
		os.Exit(2)
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qrz: %v\n", err)
			os.Exit(1)
		}
		defer term.Restore(fd, oldState)
	}

	sess, err := session.Start(session.Config{
		Protocol:     protocol,
		Direction:    session.Receive,
		DownloadPath: *dir,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "qrz: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		sess.Stop(*keepPartial)
	}()

	if err := transport.RunConn(sess, transport.NewDeadlineReader(os.Stdin), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "qrz: %v\n", err)
		os.Exit(1)
	}

	stats := sess.Stats()
	if stats.State != transfer.StateEnd {
		sess.Stop(*keepPartial)
		fmt.Fprintf(os.Stderr, "qrz: transfer failed: %s\n", stats.LastMessage)
		os.Exit(1)
	}
}
