package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/loykin/svcmon/pkg/client"
)

var errNotReachable = errors.New("daemon not reachable - please start daemon first with 'svcmon serve'")

// command carries what every subcommand shares. Output goes to out so
// tests can capture it.
type command struct {
	api APIFlags
	out io.Writer
}

func (c *command) client(ctx context.Context) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  c.api.APIUrl,
		Timeout:  c.api.APITimeout,
		Insecure: c.api.Insecure,
	}
	if c.api.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: c.api.CACert}
	}
	cl, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	if !cl.IsReachable(ctx) {
		return nil, errNotReachable
	}
	return cl, nil
}

// resolve turns a slot reference into a handle. A plain number is a
// position in the list, anything else is taken as a handle.
func resolve(ctx context.Context, cl *client.Client, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("slot reference is required")
	}
	n, err := strconv.Atoi(strings.TrimPrefix(ref, "#"))
	if err != nil {
		return ref, nil
	}
	slots, err := cl.List(ctx)
	if err != nil {
		return "", err
	}
	if n < 0 || n >= len(slots) {
		return "", fmt.Errorf("no slot at index %d (%d slots)", n, len(slots))
	}
	return slots[n].ID, nil
}

// withSlot connects and resolves ref before running fn.
func (c *command) withSlot(ctx context.Context, ref string, fn func(*client.Client, string) error) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	id, err := resolve(ctx, cl, ref)
	if err != nil {
		return err
	}
	return fn(cl, id)
}

// joinArgs quotes positional arguments so the daemon splits them back
// into the same list.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n\"'\\#") {
			quoted[i] = a
			continue
		}
		quoted[i] = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(a) + `"`
	}
	return strings.Join(quoted, " ")
}

// checkArgs rejects argument strings with unbalanced quoting.
func checkArgs(s string) error {
	if _, err := shlex.Split(s); err != nil {
		return fmt.Errorf("invalid arguments %q: %w", s, err)
	}
	return nil
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return filepath.Abs(p)
}

func (c *command) Add(ctx context.Context, f AddFlags) error {
	if strings.TrimSpace(f.FileName) == "" {
		return errors.New("program file is required")
	}
	if err := checkArgs(f.Args); err != nil {
		return err
	}
	file, err := absPath(f.FileName)
	if err != nil {
		return err
	}
	wd, err := absPath(f.WorkDir)
	if err != nil {
		return err
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	id, err := cl.Add(ctx, client.AddRequest{
		FileName:      file,
		Args:          f.Args,
		WorkDir:       wd,
		ManualControl: f.Manual,
		AutoScroll:    f.AutoScroll,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, id)
	return nil
}

func (c *command) List(ctx context.Context, f ListFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	slots, err := cl.List(ctx)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(c.out, slots)
	}
	renderSlots(c.out, slots)
	return nil
}

func (c *command) Status(ctx context.Context, ref string) error {
	return c.withSlot(ctx, ref, func(cl *client.Client, id string) error {
		st, err := cl.Status(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(c.out, st)
	})
}

func (c *command) Set(ctx context.Context, f SetFlags) error {
	var req client.PatchRequest
	if f.changed["file"] {
		p, err := absPath(f.FileName)
		if err != nil {
			return err
		}
		req.FileName = &p
	}
	if f.changed["args"] {
		if err := checkArgs(f.Args); err != nil {
			return err
		}
		req.Args = &f.Args
	}
	if f.changed["work-dir"] {
		p, err := absPath(f.WorkDir)
		if err != nil {
			return err
		}
		req.WorkDir = &p
	}
	if f.changed["manual"] {
		req.ManualControl = &f.Manual
	}
	if f.changed["auto-scroll"] {
		req.AutoScroll = &f.AutoScroll
	}
	if req == (client.PatchRequest{}) {
		return errors.New("nothing to change")
	}
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		st, err := cl.Patch(ctx, id, req)
		if err != nil {
			return err
		}
		return printJSON(c.out, st)
	})
}

func (c *command) Remove(ctx context.Context, ref string) error {
	return c.withSlot(ctx, ref, func(cl *client.Client, id string) error {
		return cl.Remove(ctx, id)
	})
}

func (c *command) Start(ctx context.Context, ref string) error {
	return c.withSlot(ctx, ref, func(cl *client.Client, id string) error {
		st, err := cl.Start(ctx, id)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "started %s pid %d\n", shortID(st.ID), st.PID)
		return nil
	})
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		st, err := cl.Stop(ctx, id, f.Force)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "stopped %s (%s)\n", shortID(st.ID), st.State)
		return nil
	})
}

func (c *command) Copy(ctx context.Context, ref string) error {
	return c.withSlot(ctx, ref, func(cl *client.Client, id string) error {
		nid, err := cl.Copy(ctx, id)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, nid)
		return nil
	})
}

func (c *command) Move(ctx context.Context, f MoveFlags) error {
	if f.hasTo == (f.Delta != 0) {
		return errors.New("exactly one of --delta or --to is required")
	}
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		if f.hasTo {
			return cl.MoveTo(ctx, id, f.To)
		}
		return cl.MoveBy(ctx, id, f.Delta)
	})
}

func (c *command) Build(ctx context.Context, f BuildFlags) error {
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		if err := cl.Build(ctx, id, f.Run); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "build started for %s; follow with 'svcmon logs %s -f'\n", shortID(id), shortID(id))
		return nil
	})
}

func (c *command) Clear(ctx context.Context, ref string) error {
	return c.withSlot(ctx, ref, func(cl *client.Client, id string) error {
		return cl.ClearLog(ctx, id)
	})
}

func (c *command) Write(ctx context.Context, f WriteFlags) error {
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		return cl.WriteLog(ctx, id, f.Severity, f.Text)
	})
}

// Logs prints the slot's log from f.From. With Follow it keeps polling
// until ctx ends, restarting from the top when the log is cleared.
func (c *command) Logs(ctx context.Context, f LogsFlags) error {
	if f.From < 0 {
		return errors.New("--from must not be negative")
	}
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		next := f.From
		for {
			entries, err := cl.Logs(ctx, id, next)
			if err != nil {
				return err
			}
			if f.JSON {
				for _, e := range entries {
					if err := printJSON(c.out, e); err != nil {
						return err
					}
				}
			} else {
				renderLog(c.out, entries, next)
			}
			next += len(entries)
			if !f.Follow {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(f.Interval):
			}
			if len(entries) == 0 {
				st, err := cl.Status(ctx, id)
				if err != nil {
					return err
				}
				if st.LogCount < next {
					next = 0
				}
			}
		}
	})
}

func (c *command) Export(ctx context.Context, f ExportFlags) error {
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		if f.Output == "" || f.Output == "-" {
			_, err := cl.ExportLog(ctx, id, c.out)
			return err
		}
		// #nosec G304 -- operator-chosen output path
		file, err := os.Create(f.Output)
		if err != nil {
			return err
		}
		n, err := cl.ExportLog(ctx, id, file)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "wrote %d bytes to %s\n", n, f.Output)
		return nil
	})
}

func (c *command) Search(ctx context.Context, f SearchFlags) error {
	q := client.SearchQuery{
		Text:          f.Pattern,
		Regex:         f.Regex,
		CaseSensitive: f.CaseSensitive,
		Backward:      f.Backward,
	}
	if f.From >= 0 {
		q.From = &f.From
	}
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		res, err := cl.Search(ctx, id, q)
		if err != nil {
			return err
		}
		if q.From != nil {
			if res.Next == nil {
				return errors.New("no further match")
			}
			_, _ = fmt.Fprintln(c.out, *res.Next)
			return nil
		}
		for _, m := range res.Matches {
			_, _ = fmt.Fprintln(c.out, m)
		}
		return nil
	})
}

func (c *command) Select(ctx context.Context, f SelectFlags) error {
	return c.withSlot(ctx, f.Ref, func(cl *client.Client, id string) error {
		var (
			sel client.Selection
			err error
		)
		switch {
		case f.Clear:
			return cl.ClearSelection(ctx, id)
		case f.hasIndex:
			sel, err = cl.Select(ctx, id, f.Index)
		default:
			sel, err = cl.Selection(ctx, id)
		}
		if err != nil {
			return err
		}
		if !sel.Selected {
			_, _ = fmt.Fprintln(c.out, "nothing selected")
			return nil
		}
		_, _ = fmt.Fprintf(c.out, "%d\t%s\n", sel.Index, sel.Text)
		return nil
	})
}

func (c *command) Resources(ctx context.Context, ref string, asJSON bool) error {
	return c.withSlot(ctx, ref, func(cl *client.Client, id string) error {
		res, err := cl.Resources(ctx, id)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(c.out, res)
		}
		renderResources(c.out, res)
		return nil
	})
}

// bulk runs one of the list-wide operations.
func (c *command) bulk(ctx context.Context, what string, fn func(*client.Client) error) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := fn(cl); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	_, _ = fmt.Fprintln(c.out, what+": ok")
	return nil
}

func (c *command) StartAll(ctx context.Context) error {
	return c.bulk(ctx, "start-all", func(cl *client.Client) error { return cl.StartAll(ctx) })
}

func (c *command) StopAll(ctx context.Context, force bool) error {
	return c.bulk(ctx, "stop-all", func(cl *client.Client) error { return cl.StopAll(ctx, force) })
}

func (c *command) ClearAll(ctx context.Context) error {
	return c.bulk(ctx, "clear-all", func(cl *client.Client) error { return cl.ClearAll(ctx) })
}

func (c *command) Save(ctx context.Context) error {
	return c.bulk(ctx, "save", func(cl *client.Client) error { return cl.Save(ctx) })
}
