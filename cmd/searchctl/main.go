// Command searchctl registers pages, drives the approval gates and runs
// search sessions from the shell.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/shopsearch/engine/app"
	"github.com/WessleyAI/shopsearch/engine/domain"
	"github.com/WessleyAI/shopsearch/engine/lifecycle"
	"github.com/WessleyAI/shopsearch/engine/orchestrator"
	"github.com/WessleyAI/shopsearch/engine/store"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "searchctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "searchctl",
		Usage: "manage product searches for article pages",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "store", Usage: "sqlite, neo4j or memory", EnvVars: []string{"STORE"}},
			&cli.StringFlag{Name: "sqlite-path", EnvVars: []string{"SQLITE_PATH"}},
			&cli.StringFlag{Name: "queue", Value: "nats", Usage: "where jobs go: nats, inline or off"},
			&cli.StringFlag{Name: "nats-url", EnvVars: []string{"NATS_URL"}},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "only log errors"},
		},
		Commands: []*cli.Command{
			{
				Name:      "register",
				Usage:     "register an article page",
				ArgsUsage: "URL",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "text", Usage: "article text reference"},
					&cli.StringFlag{Name: "strategy", Usage: "single, progressive or multi_platform"},
				},
				Action: withSession(func(c *cli.Context, s *session) error {
					p, created, err := s.svc.RegisterPage(c.Context, lifecycle.RegisterRequest{
						URL:            c.Args().First(),
						TextContentRef: c.String("text"),
						Strategy:       c.String("strategy"),
					})
					if err != nil && p.ID == "" {
						return err
					}
					if err != nil {
						s.logger.Warn("searchctl: page not queued", "page_id", p.ID, "err", err)
					}
					return s.print(map[string]any{"page": p, "created": created})
				}),
			},
			{
				Name:      "page",
				Usage:     "show a page",
				ArgsUsage: "PAGE_ID",
				Action: withSession(func(c *cli.Context, s *session) error {
					p, err := s.svc.Page(c.Context, c.Args().First())
					return s.printOr(p, err)
				}),
			},
			{
				Name:  "pages",
				Usage: "list pages, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "search status filter"},
					&cli.IntFlag{Name: "limit", Value: 20},
				},
				Action: withSession(func(c *cli.Context, s *session) error {
					pages, err := s.store.ListPages(c.Context, store.PageFilter{
						SearchStatus: domain.SearchStatus(c.String("status")),
						Limit:        c.Int("limit"),
					})
					return s.printOr(pages, err)
				}),
			},
			{
				Name:      "attempts",
				Usage:     "show the attempt history of a page",
				ArgsUsage: "PAGE_ID",
				Action: withSession(func(c *cli.Context, s *session) error {
					a, err := s.svc.Attempts(c.Context, c.Args().First())
					return s.printOr(a, err)
				}),
			},
			{
				Name:      "search",
				Usage:     "show a search and its products",
				ArgsUsage: "SEARCH_ID",
				Action: withSession(func(c *cli.Context, s *session) error {
					v, err := s.svc.Search(c.Context, c.Args().First())
					return s.printOr(v, err)
				}),
			},
			{
				Name:  "keywords",
				Usage: "keyword approval gate",
				Subcommands: []*cli.Command{
					{
						Name:      "approve",
						ArgsUsage: "PAGE_ID",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "keywords", Usage: "replace the proposed phrase"}},
						Action: withSession(func(c *cli.Context, s *session) error {
							p, err := s.svc.ApproveKeywords(c.Context, c.Args().First(), c.String("keywords"))
							return s.printOr(p, err)
						}),
					},
					{
						Name:      "reject",
						ArgsUsage: "PAGE_ID",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "feedback"}},
						Action: withSession(func(c *cli.Context, s *session) error {
							p, err := s.svc.RejectKeywords(c.Context, c.Args().First(), c.String("feedback"))
							return s.printOr(p, err)
						}),
					},
				},
			},
			{
				Name:  "results",
				Usage: "result approval gate",
				Subcommands: []*cli.Command{
					{
						Name:      "approve",
						ArgsUsage: "PAGE_ID",
						Action: withSession(func(c *cli.Context, s *session) error {
							p, err := s.svc.ApproveResults(c.Context, c.Args().First())
							return s.printOr(p, err)
						}),
					},
					{
						Name:      "reject",
						ArgsUsage: "PAGE_ID",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "feedback"}},
						Action: withSession(func(c *cli.Context, s *session) error {
							p, err := s.svc.RejectResults(c.Context, c.Args().First(), c.String("feedback"))
							return s.printOr(p, err)
						}),
					},
					{
						Name:      "select",
						ArgsUsage: "PAGE_ID SEARCH_ID",
						Action: withSession(func(c *cli.Context, s *session) error {
							if c.NArg() != 2 {
								return cli.Exit("select needs PAGE_ID and SEARCH_ID", 2)
							}
							p, err := s.svc.SelectSearch(c.Context, c.Args().Get(0), c.Args().Get(1))
							return s.printOr(p, err)
						}),
					},
				},
			},
			{
				Name:      "force",
				Usage:     "queue a fresh search session, discarding history",
				ArgsUsage: "PAGE_ID",
				Action: withSession(func(c *cli.Context, s *session) error {
					p, err := s.svc.ForceNewSearch(c.Context, c.Args().First())
					return s.printOr(p, err)
				}),
			},
			{
				Name:      "run",
				Usage:     "run one search session in this process",
				ArgsUsage: "PAGE_ID",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "force", Usage: "reset history first"}},
				Action: withSession(func(c *cli.Context, s *session) error {
					engine, err := s.engine(c.Context)
					if err != nil {
						return err
					}
					out, err := engine.Orchestrator.Run(c.Context, domain.Job{
						PageID:       c.Args().First(),
						ForceRefresh: c.Bool("force"),
						CredentialID: s.cfg.CredentialID,
					})
					return s.printOr(out, err)
				}),
			},
		},
	}
}

// session holds what one command invocation opened.
type session struct {
	cfg    app.Config
	logger *slog.Logger
	out    io.Writer
	store  store.Store
	svc    *lifecycle.Service
	nc     *nats.Conn
	eng    *app.Engine
}

func withSession(action func(*cli.Context, *session) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		s, err := openSession(c)
		if err != nil {
			return err
		}
		defer s.close()
		return action(c, s)
	}
}

func openSession(c *cli.Context) (*session, error) {
	level := slog.LevelInfo
	if c.Bool("quiet") {
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))

	cfg := app.LoadConfig()
	if v := c.String("store"); v != "" {
		cfg.Store = v
	}
	if v := c.String("sqlite-path"); v != "" {
		cfg.SQLitePath = v
	}
	if v := c.String("nats-url"); v != "" {
		cfg.NATSURL = v
	}

	st, err := app.OpenStore(c.Context, cfg, logger)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger, out: c.App.Writer, store: st}

	var q lifecycle.Enqueuer
	switch c.String("queue") {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("searchctl"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.nc = nc
		q = orchestrator.NewQueue(nc)
	case "inline":
		q = inlineQueue{s}
	case "off":
		q = offQueue{logger}
	default:
		st.Close()
		return nil, cli.Exit(fmt.Sprintf("unknown queue %q", c.String("queue")), 2)
	}
	s.svc = lifecycle.New(st, q, lifecycle.Options{CredentialID: cfg.CredentialID, Logger: logger})
	return s, nil
}

// engine builds the orchestrator on first use.
func (s *session) engine(ctx context.Context) (*app.Engine, error) {
	if s.eng != nil {
		return s.eng, nil
	}
	e, err := app.Build(ctx, s.cfg, s.store, nil, s.logger)
	if err != nil {
		return nil, err
	}
	s.eng = e
	return e, nil
}

func (s *session) close() {
	if s.nc != nil {
		s.nc.Drain()
	}
	if s.eng != nil {
		s.eng.Close()
		return
	}
	s.store.Close()
}

func (s *session) print(v any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (s *session) printOr(v any, err error) error {
	if err != nil {
		return err
	}
	return s.print(v)
}

// inlineQueue runs each job to completion before returning.
type inlineQueue struct{ s *session }

func (q inlineQueue) Enqueue(ctx context.Context, job domain.Job) error {
	e, err := q.s.engine(ctx)
	if err != nil {
		return err
	}
	out, err := e.Orchestrator.Run(ctx, job)
	if err != nil {
		return err
	}
	q.s.logger.Info("searchctl: session finished", "page_id", out.PageID, "status", out.Status, "search_id", out.SearchID, "products", out.ProductCount)
	return nil
}

// offQueue only records state changes.
type offQueue struct{ logger *slog.Logger }

func (q offQueue) Enqueue(_ context.Context, job domain.Job) error {
	q.logger.Info("searchctl: job not queued", "page_id", job.PageID, "force", job.ForceRefresh)
	return nil
}
