package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/quorumjournal-io/quorumjournal/server"
	"github.com/quorumjournal-io/quorumjournal/server/journal"
	"github.com/quorumjournal-io/quorumjournal/server/logger"
	"github.com/quorumjournal-io/quorumjournal/server/protocol"
)

func main() {
	app := cli.NewApp()
	app.Name = "quorumjournald"
	app.Usage = "Run a quorum journal node"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "id",
			Usage: "ID of this journal node in the quorum",
		},
		cli.StringFlag{
			Name:  "data-dir, d",
			Usage: "store journals in `DIR`",
		},
		cli.BoolFlag{
			Name:  "embedded-nats, e",
			Usage: "run an embedded NATS server",
		},
		cli.IntFlag{
			Name:  "http-port",
			Usage: "port to serve segment files on",
		},
	}
	app.Action = runServer
	app.Commands = []cli.Command{
		{
			Name:   "format",
			Usage:  "initialize a journal directory for a namespace",
			Action: formatJournal,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "data-dir, d",
					Usage: "store journals in `DIR`",
				},
				cli.StringFlag{
					Name:  "jid",
					Usage: "journal identifier to format",
				},
				cli.Uint64Flag{
					Name:  "namespace-id",
					Usage: "numeric namespace ID",
				},
				cli.StringFlag{
					Name:  "cluster-id",
					Usage: "cluster ID the namespace belongs to",
				},
				cli.StringFlag{
					Name:  "blockpool-id",
					Usage: "block pool ID of the namespace",
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(c *cli.Context) error {
	config, err := server.NewConfig(c.String("config"))
	if err != nil {
		return err
	}
	if id := c.String("id"); id != "" {
		config.ServerID = id
	}
	if dir := c.String("data-dir"); dir != "" {
		config.DataDir = dir
	}
	if c.Bool("embedded-nats") {
		config.EmbeddedNATS = true
	}
	if port := c.Int("http-port"); port != 0 {
		config.HTTPPort = port
	}

	s := server.New(config)
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	return nil
}

func formatJournal(c *cli.Context) error {
	var (
		dir = c.String("data-dir")
		jid = c.String("jid")
	)
	if dir == "" || jid == "" {
		return fmt.Errorf("format requires --data-dir and --jid")
	}
	j, err := journal.Open(journal.Options{
		Dir:       filepath.Join(dir, jid),
		JournalID: jid,
		Logger:    logger.NewLogger(4),
	})
	if err != nil {
		return err
	}
	defer j.Close()
	return j.Format(protocol.NamespaceInfo{
		NamespaceID:   c.Uint64("namespace-id"),
		ClusterID:     c.String("cluster-id"),
		BlockPoolID:   c.String("blockpool-id"),
		CreationTime:  time.Now().UnixMilli(),
		LayoutVersion: protocol.JournalLayoutVersion,
	})
}
