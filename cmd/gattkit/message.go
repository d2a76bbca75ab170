package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattkit/advertise"
)

// messageCmd represents the message command
var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Exchange short text messages over advertisements",
	Long: `Sends and receives short text messages carried as service data of
non-connectable advertisements. Sender and listener must agree on the 16-bit
message service UUID (advertise.message_service in the config).`,
}

var messageSendCmd = &cobra.Command{
	Use:   "send TEXT...",
	Short: "Advertise a text message",
	Long: fmt.Sprintf(`Advertises TEXT for the message timeout. At most %d bytes fit.

Example:
  gattkit message send hello there --timeout 5s`, advertise.MaxMessageLen()),
	Args: cobra.MinimumNArgs(1),
	RunE: runMessageSend,
}

var messageListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print messages advertised by other devices",
	Long: `Prints every message seen on the air until --duration elapses or the
command is interrupted. A message still on the air is printed each time it is
received unless --unique is given.

Example:
  gattkit message listen --unique`,
	Args: cobra.NoArgs,
	RunE: runMessageListen,
}

func init() {
	messageCmd.PersistentFlags().String("service", "", "16-bit message service UUID (default from config)")
	messageSendCmd.Flags().Duration("timeout", 0, "How long the message stays on the air (default from config)")
	messageListenCmd.Flags().Duration("duration", 0, "Stop after this long (0 = until interrupted)")
	messageListenCmd.Flags().Bool("unique", false, "Print each sender's message only when it changes")
	messageCmd.AddCommand(messageSendCmd, messageListenCmd)
}

// newMessenger applies the message flags and creates the messenger.
func newMessenger(cmd *cobra.Command, cb advertise.MessengerCallback) (*app, *advertise.Messenger, error) {
	cfg, logger, err := loadSettings(cmd)
	if err != nil {
		return nil, nil, err
	}
	if v, _ := cmd.Flags().GetString("service"); v != "" {
		cfg.Advertise.MessageService = v
	}
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		cfg.Advertise.MessageTimeout, _ = cmd.Flags().GetDuration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cmd.SilenceUsage = true

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return nil, nil, err
	}
	m, err := advertise.NewMessenger(a.backend.AdvertiseRadio(), a.backend.LeRadio(), a.looper, cb, cfg.MessengerOptions(), logger)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, m, nil
}

func runMessageSend(cmd *cobra.Command, args []string) error {
	msg := strings.Join(args, " ")
	if len(msg) > advertise.MaxMessageLen() {
		return fmt.Errorf("message is %d bytes, at most %d fit in one advertisement", len(msg), advertise.MaxMessageLen())
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var failed atomic.Int32
	a, m, err := newMessenger(cmd, advertise.MessengerCallbackFuncs{
		MessageSent: func(string) { cancel() },
		MessageSendFailed: func(code int) {
			failed.Store(int32(code))
			cancel()
		},
	})
	if err != nil {
		return err
	}
	defer a.Close()
	defer m.Stop()

	if err := m.Send(msg); err != nil {
		return err
	}
	printOK(os.Stderr, "Sending %q for %s", msg, a.cfg.Advertise.MessageTimeout)
	<-ctx.Done()

	if code := failed.Load(); code != 0 {
		return fmt.Errorf("message send failed (code %d)", code)
	}
	return nil
}

func runMessageListen(cmd *cobra.Command, args []string) error {
	duration, _ := cmd.Flags().GetDuration("duration")
	unique, _ := cmd.Flags().GetBool("unique")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, duration)
		defer stop()
	}

	var failed atomic.Int32
	printer := newMessagePrinter(unique)
	a, m, err := newMessenger(cmd, advertise.MessengerCallbackFuncs{
		MessageReceived: func(from, msg string) { printer.print(from, msg, time.Now()) },
		ListenFailed: func(code int) {
			failed.Store(int32(code))
			cancel()
		},
	})
	if err != nil {
		return err
	}
	defer a.Close()
	defer m.Stop()

	if err := m.Listen(); err != nil {
		return err
	}
	printOK(os.Stderr, "Listening for messages, press Ctrl+C to stop")
	<-ctx.Done()

	if code := failed.Load(); code != 0 {
		return fmt.Errorf("listening failed (code %d)", code)
	}
	return nil
}

// messagePrinter prints received messages; it runs on the event loop.
type messagePrinter struct {
	unique bool
	last   map[string]string
}

func newMessagePrinter(unique bool) *messagePrinter {
	return &messagePrinter{unique: unique, last: make(map[string]string)}
}

func (p *messagePrinter) print(from, msg string, at time.Time) {
	if p.unique {
		if p.last[from] == msg {
			return
		}
		p.last[from] = msg
	}
	fmt.Fprintf(stdout, "%s %s %s\n", at.Format("15:04:05"), from, msg)
}
