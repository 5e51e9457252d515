// Command pincard authenticates to a PIN card applet and retrieves its
// session key, over PC/SC or against a simulated card.
//
//	pincard [flags] readers
//	pincard [flags] status
//	pincard [flags] verify
//	pincard [flags] change-pin
//	pincard [flags] session-key
//	pincard [flags] sim-reset
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/gregLibert/pincard/internal/config"
	"github.com/gregLibert/pincard/internal/logging"
	"github.com/gregLibert/pincard/pkg/applet"
	"github.com/gregLibert/pincard/pkg/pinauth"
	"github.com/gregLibert/pincard/pkg/sim"
	"github.com/gregLibert/pincard/pkg/store"
	"github.com/gregLibert/pincard/pkg/transport"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitRejected = 3 // wrong or blocked PIN
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// cli is one invocation: parsed configuration plus its I/O.
type cli struct {
	cfg    *config.Config
	log    *slog.Logger
	in     *bufio.Reader
	inFile *os.File // set when stdin is a terminal
	out    io.Writer
	errOut io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pincard", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "YAML configuration file")
	backend := fs.String("backend", "", "reader backend: pcsc or sim (overrides config)")
	reader := fs.String("reader", "", "use the first reader whose name contains this text")
	timeout := fs.Duration("timeout", 0, "per-exchange timeout (overrides config)")
	debug := fs.Bool("debug", false, "enable debug logging")
	jsonLog := fs.Bool("json", false, "log in JSON")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: pincard [flags] readers|status|verify|change-pin|session-key|sim-reset")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return exitUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(stderr, "pincard: %v\n", err)
			return exitError
		}
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *reader != "" {
		cfg.Reader = *reader
	}
	if *timeout != 0 {
		cfg.Timeout = *timeout
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if *jsonLog {
		cfg.Log.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "pincard: %v\n", err)
		return exitUsage
	}

	c := &cli{
		cfg:    cfg,
		log:    logging.New(stderr, cfg.LogLevel(), cfg.Log.JSON),
		in:     bufio.NewReader(stdin),
		out:    stdout,
		errOut: stderr,
	}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.inFile = f
	}

	var err error
	switch cmd := fs.Arg(0); cmd {
	case "readers":
		err = c.readers()
	case "status":
		err = c.withSession(ctx, c.status)
	case "verify":
		err = c.withSession(ctx, c.verify)
	case "change-pin":
		err = c.withSession(ctx, c.changePIN)
	case "session-key":
		err = c.withSession(ctx, c.sessionKey)
	case "sim-reset":
		err = c.simReset()
	default:
		fmt.Fprintf(stderr, "pincard: unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errRejected), errors.Is(err, pinauth.ErrPINBlocked):
		fmt.Fprintf(stderr, "pincard: %v\n", err)
		return exitRejected
	default:
		fmt.Fprintf(stderr, "pincard: %v\n", err)
		return exitError
	}
}

var errRejected = errors.New("PIN rejected")

// backend builds the reader subsystem named in the configuration. The
// simulator gets one reader holding one card, backed by the image file
// when one is configured.
func (c *cli) backend() (transport.Backend, error) {
	if c.cfg.Backend == config.BackendPCSC {
		return transport.NewPCSC()
	}

	appletOpts := []applet.Option{
		applet.WithAID(c.cfg.AIDBytes()),
		applet.WithPIN(c.cfg.SimPIN()),
		applet.WithLogger(c.log),
	}
	cardOpts := []sim.CardOption{
		sim.WithApplet(applet.New(appletOpts...)),
		sim.WithCardLogger(c.log),
	}
	if c.cfg.Sim.Image != "" {
		st, err := store.Open(c.cfg.Sim.Image)
		if err != nil {
			return nil, err
		}
		cardOpts = append(cardOpts, sim.WithPersister(st))
	}

	card, err := sim.NewCard(cardOpts...)
	if err != nil {
		return nil, err
	}
	s := sim.New(c.cfg.Sim.Reader)
	if err := s.Insert(c.cfg.Sim.Reader, card); err != nil {
		return nil, err
	}
	return s, nil
}

var errNoImage = errors.New("sim-reset needs the sim backend with sim.image set")

// simReset erases the stored applet image, so the next run starts from a
// fresh card with the configured PIN. Images of other applets are kept.
func (c *cli) simReset() error {
	if c.cfg.Backend != config.BackendSim || c.cfg.Sim.Image == "" {
		return errNoImage
	}
	st, err := store.Open(c.cfg.Sim.Image)
	if err != nil {
		return err
	}

	aid := c.cfg.AIDBytes()
	aids, err := st.AIDs()
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(aids, func(a []byte) bool { return bytes.Equal(a, aid) }) {
		fmt.Fprintf(c.out, "%s: no image for applet %X\n", st.Path(), aid)
		return nil
	}
	if err := st.Delete(aid); err != nil {
		return err
	}
	c.log.Debug("applet image erased", "image", st.Path(), "aid", fmt.Sprintf("%X", aid), "others", len(aids)-1)
	fmt.Fprintf(c.out, "%s: applet %X reset\n", st.Path(), aid)
	return nil
}

func (c *cli) readers() error {
	b, err := c.backend()
	if err != nil {
		return err
	}
	defer b.Release()

	names, err := b.ListReaders()
	if err != nil {
		return err
	}
	names = transport.FilterReaders(names, c.cfg.Reader)
	if len(names) == 0 {
		return transport.ErrNoReaders
	}

	for _, name := range names {
		present, err := b.CardPresent(name)
		switch {
		case err != nil:
			fmt.Fprintf(c.out, "%s\t(%v)\n", name, err)
		case present:
			fmt.Fprintf(c.out, "%s\tcard present\n", name)
		default:
			fmt.Fprintf(c.out, "%s\tempty\n", name)
		}
	}
	return nil
}

func (c *cli) withSession(ctx context.Context, fn func(context.Context, *pinauth.Session) error) error {
	b, err := c.backend()
	if err != nil {
		return err
	}
	t := transport.New(b, transport.WithTimeout(c.cfg.Timeout), transport.WithLogger(c.log))
	defer t.Close()

	s, err := pinauth.Open(ctx, t,
		pinauth.WithAID(c.cfg.AIDBytes()),
		pinauth.WithReader(c.cfg.Reader),
		pinauth.WithLogger(c.log))
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, s)
}

func (c *cli) status(_ context.Context, s *pinauth.Session) error {
	info := s.Info()
	fmt.Fprintln(c.out, info.Describe())
	return nil
}

// login fetches a fresh card key and verifies the PIN read from the user.
func (c *cli) login(ctx context.Context, s *pinauth.Session) (*rsa.PublicKey, error) {
	cardKey, err := s.FetchCardPublicKey(ctx)
	if err != nil {
		return nil, err
	}

	pin, err := c.readPIN("PIN: ")
	if err != nil {
		return nil, err
	}
	ok, err := s.VerifyPIN(ctx, pin, cardKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w, %d tries left", errRejected, s.RemainingTries())
	}
	return cardKey, nil
}

func (c *cli) verify(ctx context.Context, s *pinauth.Session) error {
	if _, err := c.login(ctx, s); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "PIN verified")
	return nil
}

func (c *cli) changePIN(ctx context.Context, s *pinauth.Session) error {
	cardKey, err := c.login(ctx, s)
	if err != nil {
		return err
	}

	newPIN, err := c.readPIN("New PIN: ")
	if err != nil {
		return err
	}
	again, err := c.readPIN("Repeat new PIN: ")
	if err != nil {
		return err
	}
	if string(newPIN) != string(again) {
		return fmt.Errorf("%w: entries differ", pinauth.ErrInvalidPIN)
	}

	if err := s.ChangePIN(ctx, newPIN, cardKey); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "PIN changed")
	return nil
}

func (c *cli) sessionKey(ctx context.Context, s *pinauth.Session) error {
	if _, err := c.login(ctx, s); err != nil {
		return err
	}

	start := time.Now()
	hostKey, err := rsa.GenerateKey(rand.Reader, applet.KeyBits)
	if err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}
	c.log.Debug("host key generated", "elapsed", time.Since(start))

	secret, err := s.ObtainSessionKey(ctx, hostKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%X\n", secret)
	return nil
}

// readPIN prompts on stderr and reads one line of digits. On a terminal the
// input is not echoed.
func (c *cli) readPIN(prompt string) ([]byte, error) {
	fmt.Fprint(c.errOut, prompt)

	var line string
	if c.inFile != nil {
		b, err := term.ReadPassword(int(c.inFile.Fd()))
		fmt.Fprintln(c.errOut)
		if err != nil {
			return nil, fmt.Errorf("read PIN: %w", err)
		}
		line = string(b)
	} else {
		s, err := c.in.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || s == "") {
			return nil, fmt.Errorf("read PIN: %w", err)
		}
		line = s
	}

	return pinauth.EncodePIN(strings.TrimSpace(line))
}
