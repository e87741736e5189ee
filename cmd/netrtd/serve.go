package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudflare/tableflip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ankit-kulkarni/netrt"
	"github.com/ankit-kulkarni/netrt/internal/port"
	"github.com/ankit-kulkarni/netrt/internal/sockio"
)

var serveLocalID uint16

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a TCP echo listener, upgradeable in place on SIGHUP",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Uint16Var(&serveLocalID, "port", 8000, "local TCP port to bind")
	rootCmd.AddCommand(serveCmd)
}

// runServe binds via tableflip instead of internal/listen's own Listen,
// the same swap tbflip makes over a plain net.Listen: the listening
// socket itself survives a SIGHUP-triggered re-exec, and the new process
// only takes over once it has signaled Ready.
func runServe(cmd *cobra.Command, args []string) error {
	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		return errors.Wrap(err, "tableflip.New")
	}
	defer upg.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		for range sig {
			logrus.Info("SIGHUP received, upgrading")
			if err := upg.Upgrade(); err != nil {
				logrus.WithError(err).Warn("upgrade failed")
			}
		}
	}()

	ln, err := upg.Listen("tcp4", fmt.Sprintf(":%d", serveLocalID))
	if err != nil {
		return errors.Wrap(err, "tableflip listen")
	}
	defer ln.Close()

	core := netrt.Startup()
	defer netrt.Shutdown()

	h := sockio.New(sockio.TCP)
	h.AttachListener(ln)

	if err := upg.Ready(); err != nil {
		return errors.Wrap(err, "tableflip ready")
	}
	logrus.WithField("addr", ln.Addr()).Info("serving")

	go acceptAndEcho(core, h)

	<-upg.Exit()
	logrus.Info("shutting down")
	return nil
}

func acceptAndEcho(core *netrt.Core, h *sockio.Handle) {
	for {
		conn, err := h.Listener.Accept()
		if err != nil {
			logrus.WithError(err).Debug("accept loop ending")
			return
		}
		go echoConn(core, conn)
	}
}

// echoConn wraps one accepted connection as a Port and drives it through
// the same Read/Write verbs a script-level port would use, the
// TCP-echo analogue of transparentProxy's transferData loop.
func echoConn(core *netrt.Core, conn net.Conn) {
	child := sockio.New(sockio.TCP)
	child.AttachConn(conn)

	p := port.New(core.Loop, core.Events, sockio.TCP, port.Spec{})
	p.Handle = child
	defer p.Close()

	for {
		n, err := p.Read(port.Refinements{})
		if err != nil {
			logrus.WithError(err).Debug("connection closed")
			return
		}
		if n == 0 {
			return
		}
		echoed := make([]byte, n)
		copy(echoed, p.Data.Bytes())
		p.Data.Reset()

		if _, err := p.Write(echoed, port.Refinements{}); err != nil {
			logrus.WithError(err).Debug("write failed")
			return
		}
	}
}
