package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ankit-kulkarni/netrt"
	"github.com/ankit-kulkarni/netrt/internal/port"
)

var (
	dialHost    string
	dialPort    uint16
	dialTimeout time.Duration
)

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "connect to host:port and pipe stdin/stdout through the connection",
	RunE:  runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialHost, "host", "127.0.0.1", "remote host")
	dialCmd.Flags().Uint16Var(&dialPort, "port", 8000, "remote port")
	dialCmd.Flags().DurationVar(&dialTimeout, "timeout", 5*time.Second, "overall connect deadline across all resolved addresses")
	rootCmd.AddCommand(dialCmd)
}

// runDial is tcpqueue's establishConn grown up: a real per-attempt
// timeout via internal/connect instead of net.DialTimeout, and each
// line of stdin driven through the Port Actor's WRITE/READ verbs
// instead of talking to net.Conn directly.
func runDial(cmd *cobra.Command, args []string) error {
	core := netrt.Startup()
	defer netrt.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	p, err := core.Connect(ctx, dialHost, dialPort)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer p.Close()

	logrus.WithFields(logrus.Fields{"host": dialHost, "port": dialPort}).Info("connected")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := append(scanner.Bytes(), '\n')
		if _, err := p.Write(line, port.Refinements{}); err != nil {
			return errors.Wrap(err, "write")
		}
		if _, err := p.Read(port.Refinements{}); err != nil {
			return errors.Wrap(err, "read")
		}
		fmt.Print(p.Data.String())
		p.Data.Reset()
	}
	return scanner.Err()
}
