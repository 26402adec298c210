// Command qsz sends files over stdin/stdout using ZModem or Kermit,
// the way sz does.  Run it on the far side of a terminal session whose
// local end is receiving:
//
//	qsz [-p zmodem|zmodem16|kermit] [-l logfile] FILE...
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
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: qsz [-p protocol] [-l logfile] FILE...")
		os.Exit(2)
	}

	var logger transfer.Logger = transfer.NoopLogger{}
	if *logPath != "" {
		fileLogger, err := transfer.NewFileLogger(*logPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qsz: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "qsz: unknown protocol %q\n", *protoName)
		os.Exit(2)
	}

	files := make([]transfer.FileInfo, 0, flag.NArg())
	for _, path := range flag.Args() {
		info, err := session.FileInfoFromPath(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qsz: %v\n", err)
			os.Exit(1)
		}
		files = append(files, info)
	}

	// The transfer owns the terminal; raw mode keeps the line 8-bit
	// clean.
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qsz: %v\n", err)
			os.Exit(1)
		}
		defer term.Restore(fd, oldState)
	}

	sess, err := session.Start(session.Config{
		Protocol:  protocol,
		Direction: session.Send,
		Files:     files,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "qsz: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		sess.Stop(true)
	}()

	if err := transport.RunConn(sess, transport.NewDeadlineReader(os.Stdin), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "qsz: %v\n", err)
		os.Exit(1)
	}

	stats := sess.Stats()
	if stats.State != transfer.StateEnd {
		fmt.Fprintf(os.Stderr, "qsz: transfer failed: %s\n", stats.LastMessage)
		os.Exit(1)
	}
}
