package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/FyraLabs/subatomic-ng/audit"
	"github.com/FyraLabs/subatomic-ng/store/gc"
	"github.com/FyraLabs/subatomic-ng/trigger"
)

// AuditCmd groups audit log commands.
type AuditCmd struct {
	List   AuditListCmd   `cmd:"" help:"Print audit entries."`
	Verify AuditVerifyCmd `cmd:"" help:"Check the audit hash chain."`
}

// AuditListCmd prints entries, oldest first.
type AuditListCmd struct {
	Action    string `help:"Only entries with this action."`
	PackageID string `name:"package" help:"Only entries about this package id."`
	Limit     int    `help:"Maximum entries to print, 0 for all."`
	JSON      bool   `name:"json" help:"Print one JSON object per line."`
}

func (c *AuditListCmd) Run(g *Globals) error {
	ctx := context.Background()
	f := audit.Filter{Action: audit.Action(c.Action), PackageID: c.PackageID, Limit: c.Limit}
	if f.Action != "" {
		if err := f.Action.Validate(); err != nil {
			return err
		}
	}

	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.ListAudit(ctx, f)
	if err != nil {
		return err
	}
	return printEntries(os.Stdout, entries, c.JSON)
}

func printEntries(w io.Writer, entries []audit.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tCREATED\tEXPIRES\tACTION\tPACKAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.Seq,
			e.CreatedAt.Format(time.RFC3339),
			e.TTL.Format(time.RFC3339),
			e.Action,
			e.Data.PackageID(),
		)
	}
	return tw.Flush()
}

// AuditVerifyCmd checks the hash chain of the remaining entries.
type AuditVerifyCmd struct{}

func (c *AuditVerifyCmd) Run(g *Globals) error {
	ctx := context.Background()
	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.VerifyAudit(ctx); err != nil {
		return err
	}
	g.logger.Info("audit chain intact")
	return nil
}

// RulesCmd groups trigger rule commands.
type RulesCmd struct {
	Check RulesCheckCmd `cmd:"" help:"Compile a rule file without starting the server."`
	List  RulesListCmd  `cmd:"" help:"Print the active rules."`
}

// RulesCheckCmd validates a rule file.
type RulesCheckCmd struct {
	File string `arg:"" type:"existingfile" help:"YAML rule file."`
}

func (c *RulesCheckCmd) Run(g *Globals) error {
	d, err := trigger.NewDispatcher(trigger.WithRetention(g.Retention), trigger.WithLogger(g.logger))
	if err != nil {
		return err
	}
	if err := d.LoadFile(c.File); err != nil {
		return err
	}
	fmt.Printf("%s: ok, %d rules active\n", c.File, len(d.Rules()))
	return nil
}

// RulesListCmd prints the built-in and loaded rules.
type RulesListCmd struct{}

func (c *RulesListCmd) Run(g *Globals) error {
	d, err := g.newDispatcher()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tACTION\tEXPR")
	for _, r := range d.Rules() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.Action, r.Expr)
	}
	return tw.Flush()
}

// GCCmd runs artifact collection in the foreground. Two passes are needed
// before an unreferenced artifact is deleted, so it runs both back to back
// unless --mark-only is set.
type GCCmd struct {
	Storage  StorageFlags `embed:"" prefix:"storage-"`
	DryRun   bool         `help:"Report unreferenced artifacts without deleting them."`
	MarkOnly bool         `help:"Only run the first pass."`
}

func (c *GCCmd) Run(g *Globals) error {
	ctx := context.Background()
	if c.Storage.NoUpload {
		return errors.New("nothing to collect with --storage-no-upload")
	}

	store, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	uploader, err := c.Storage.openUploader(ctx, g)
	if err != nil {
		return err
	}

	m := gc.New(uploader, storeReferences(store), gc.Config{DryRun: c.DryRun}, gc.WithLogger(g.logger))
	passes := 2
	if c.MarkOnly {
		passes = 1
	}

	var res *gc.Result
	for range passes {
		res = m.RunNow(ctx)
		for _, e := range res.Errors {
			g.logger.Warn("gc error", "error", e)
		}
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}
