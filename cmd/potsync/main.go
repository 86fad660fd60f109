package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/astromechza/potsync/pkg/checkpoint"
	"github.com/astromechza/potsync/pkg/config"
	"github.com/astromechza/potsync/pkg/logging"
	"github.com/astromechza/potsync/pkg/membership"
	"github.com/astromechza/potsync/pkg/potdoc"
	"github.com/astromechza/potsync/pkg/realtime"
	"github.com/astromechza/potsync/pkg/relay"
)

const usage = `usage: potsync [flags] <command> [args]

commands:
  show
  create -name <name> [-currency EUR]
  add-member [-role member] <user> <display name>
  remove-member <user>
  invite [-role member] <user>
  accept
  add-expense [-memo m] [-paid-by user] [-currency c] <id> <amount>
  update-expense [-amount a] [-memo m] <id>
  delete-expense <id>
  save [-out file]
  watch
`

func main() {
	logging.Setup()
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type cli struct {
	client *relay.Client
	syncer *realtime.Syncer
	potID  string
	userID string
}

func mainInner() error {
	cfg := config.Load()
	relayVar := flag.String("relay", cfg.RelayURL, "the relay base url")
	tokenVar := flag.String("token", cfg.RelayToken, "bearer token issued by the relay")
	potVar := flag.String("pot", "", "the pot id")
	userVar := flag.String("user", os.Getenv("POTSYNC_USER"), "the user the token was issued for")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage); flag.PrintDefaults() }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return errors.New("expected a command")
	}
	if *potVar == "" || *userVar == "" || *tokenVar == "" {
		return errors.New("-pot, -user and -token are required")
	}
	client, err := relay.NewClient(*relayVar, *tokenVar)
	if err != nil {
		return err
	}
	c := &cli{
		client: client,
		potID:  *potVar,
		userID: *userVar,
		syncer: realtime.NewSyncer(client, client,
			checkpoint.NewManager(client, checkpoint.WithThreshold(cfg.CheckpointThreshold), checkpoint.WithRetain(cfg.CheckpointRetain)),
			realtime.Options{OpenTimeout: cfg.OpenTimeout, RetryInterval: cfg.RetryInterval, ReplayOverlap: cfg.ReplayOverlap},
		),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "show":
		return c.show(ctx)
	case "create":
		return c.create(ctx, args)
	case "add-member":
		return c.addMember(ctx, args)
	case "remove-member":
		return c.removeMember(ctx, args)
	case "invite":
		return c.invite(ctx, args)
	case "accept":
		_, err := c.client.AcceptInvitation(ctx, c.potID)
		return err
	case "add-expense":
		return c.addExpense(ctx, args)
	case "update-expense":
		return c.updateExpense(ctx, args)
	case "delete-expense":
		return c.deleteExpense(ctx, args)
	case "save":
		return c.save(ctx, args)
	case "watch":
		return c.watch(ctx)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// session opens the pot, runs fn and closes again, waiting for local changes to be published.
func (c *cli) session(ctx context.Context, initial *potdoc.PlainPot, fn func(h *realtime.Handle) (potdoc.PlainPot, error)) error {
	h, err := c.syncer.Open(ctx, c.potID, c.userID, initial)
	if err != nil {
		return fmt.Errorf("failed to open pot: %w", err)
	}
	value, err := fn(h)
	if closeErr := h.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if err != nil {
		return err
	}
	return printJSON(value)
}

func (c *cli) show(ctx context.Context) error {
	return c.session(ctx, nil, func(h *realtime.Handle) (potdoc.PlainPot, error) {
		return h.CurrentValue(), nil
	})
}

func (c *cli) create(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	name := fs.String("name", "", "display name of the pot")
	currency := fs.String("currency", "EUR", "base currency")
	display := fs.String("display-name", c.userID, "your display name in the pot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("-name is required")
	}
	if _, err := c.client.Bootstrap(ctx, c.potID); err != nil && !errors.Is(err, membership.ErrForbidden) {
		return fmt.Errorf("failed to claim pot: %w", err)
	}
	initial := &potdoc.PlainPot{
		ID:           c.potID,
		Name:         *name,
		Type:         potdoc.PotTypeExpense,
		BaseCurrency: *currency,
		Mode:         potdoc.ModeCasual,
		CreatedBy:    c.userID,
		Members:      []potdoc.PlainMember{{ID: c.userID, Name: *display, Role: potdoc.DisplayOwner}},
	}
	return c.session(ctx, initial, func(h *realtime.Handle) (potdoc.PlainPot, error) {
		return h.CurrentValue(), nil
	})
}

func (c *cli) addMember(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-member", flag.ContinueOnError)
	role := fs.String("role", string(membership.RoleMember), "owner or member")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("expected <user> <display name>")
	}
	user, name := fs.Arg(0), fs.Arg(1)
	if _, err := c.client.AddMember(ctx, c.potID, user, membership.Role(*role)); err != nil {
		return fmt.Errorf("failed to grant access: %w", err)
	}
	return c.session(ctx, nil, func(h *realtime.Handle) (potdoc.PlainPot, error) {
		return h.AddMember(potdoc.PlainMember{ID: user, Name: name, Role: potdoc.ParseRole(*role).Display()})
	})
}

func (c *cli) removeMember(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("expected <user>")
	}
	if _, err := c.client.RemoveMember(ctx, c.potID, args[0]); err != nil {
		return fmt.Errorf("failed to revoke access: %w", err)
	}
	if args[0] == c.userID {
		return nil
	}
	return c.session(ctx, nil, func(h *realtime.Handle) (potdoc.PlainPot, error) {
		return h.RemoveMember(args[0])
	})
}

func (c *cli) invite(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("invite", flag.ContinueOnError)
	role := fs.String("role", string(membership.RoleMember), "owner or member")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected <user>")
	}
	rec, err := c.client.Invite(ctx, c.potID, fs.Arg(0), membership.Role(*role))
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func (c *cli) addExpense(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add-expense", flag.ContinueOnError)
	memo := fs.String("memo", "", "what it was for")
	paidBy := fs.String("paid-by", c.userID, "who paid")
	currency := fs.String("currency", "", "currency, defaults to the pot's base currency")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("expected <id> <amount>")
	}
	amount, err := decimal.NewFromString(fs.Arg(1))
	if err != nil {
		return fmt.Errorf("bad amount: %w", err)
	}
	return c.session(ctx, nil, func(h *realtime.Handle) (potdoc.PlainPot, error) {
		return h.AddExpense(potdoc.PlainExpense{ID: fs.Arg(0), Amount: amount, Currency: *currency, PaidBy: *paidBy, Memo: *memo})
	})
}

func (c *cli) updateExpense(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("update-expense", flag.ContinueOnError)
	amountRaw := fs.String("amount", "", "new amount")
	memo := fs.String("memo", "", "new memo")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected <id>")
	}
	var patch potdoc.ExpensePatch
	if *amountRaw != "" {
		amount, err := decimal.NewFromString(*amountRaw)
		if err != nil {
			return fmt.Errorf("bad amount: %w", err)
		}
		patch.Amount = &amount
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "memo" {
			patch.Memo = memo
		}
	})
	return c.session(ctx, nil, func(h *realtime.Handle) (potdoc.PlainPot, error) {
		return h.UpdateExpense(fs.Arg(0), patch)
	})
}

func (c *cli) deleteExpense(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("expected <id>")
	}
	return c.session(ctx, nil, func(h *realtime.Handle) (potdoc.PlainPot, error) {
		return h.DeleteExpense(args[0])
	})
}

func (c *cli) save(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("save", flag.ContinueOnError)
	out := fs.String("out", "", "also write the compressed snapshot to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := c.syncer.Open(ctx, c.potID, c.userID, nil)
	if err != nil {
		return fmt.Errorf("failed to open pot: %w", err)
	}
	defer h.Close()
	cp, err := h.ForceSave(ctx)
	if err != nil {
		return err
	}
	if *out != "" {
		if err := os.WriteFile(*out, checkpoint.Compress(h.Document().Save()), 0o644); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		slog.Info("wrote snapshot", "path", *out)
	}
	return printJSON(cp)
}

func (c *cli) watch(ctx context.Context) error {
	h, err := c.syncer.Open(ctx, c.potID, c.userID, nil)
	if err != nil {
		return fmt.Errorf("failed to open pot: %w", err)
	}
	defer h.Close()
	if err := printJSON(h.CurrentValue()); err != nil {
		return err
	}
	unregister := h.OnChange(func(p potdoc.PlainPot) {
		status := h.Status()
		slog.Info("pot changed", "heads", h.Document().Heads(), "expenses", len(p.Expenses), "online", status.IsOnline, "pending", status.Pending)
		_ = printJSON(p)
	})
	defer unregister()
	<-ctx.Done()
	slog.Info("stopping watch")
	return nil
}
