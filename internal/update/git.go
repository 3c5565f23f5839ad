package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattfleaydaly/raspberry-drinks-relay/internal/command"
)

// git runs version-control commands against one working tree.
type git struct {
	exec command.Executor
	dir  string
}

func (g *git) run(ctx context.Context, args ...string) (string, error) {
	res, err := g.exec.Run(ctx, command.New("git", args...).In(g.dir))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (g *git) head(ctx context.Context) (string, error) {
	rev, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if rev == "" {
		return "", fmt.Errorf("git rev-parse HEAD returned no revision")
	}
	return rev, nil
}

func (g *git) remoteURL(ctx context.Context, remote string) (string, error) {
	return g.run(ctx, "remote", "get-url", remote)
}

func (g *git) verify(ctx context.Context) error {
	_, err := g.run(ctx, "fsck", "--no-progress", "--connectivity-only")
	return err
}

// reinit discards local history and points a fresh repository at url.
func (g *git) reinit(ctx context.Context, remote, url string) error {
	if err := os.RemoveAll(filepath.Join(g.dir, ".git")); err != nil {
		return fmt.Errorf("remove corrupt history: %w", err)
	}
	if _, err := g.run(ctx, "init"); err != nil {
		return err
	}
	if _, err := g.run(ctx, "remote", "add", remote, url); err != nil {
		return err
	}
	return nil
}

func (g *git) fetch(ctx context.Context, remote, branch string) error {
	_, err := g.run(ctx, "fetch", remote, branch)
	return err
}

func (g *git) resetHard(ctx context.Context, rev string) (string, error) {
	return g.run(ctx, "reset", "--hard", rev)
}

// Revision is one entry of the version history.
type Revision struct {
	Hash    string `json:"hash"`
	Short   string `json:"short"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

const logFormat = "--pretty=format:%H%x1f%h%x1f%an%x1f%aI%x1f%s"

func (g *git) log(ctx context.Context, limit int) ([]Revision, error) {
	out, err := g.run(ctx, "log", fmt.Sprintf("-n%d", limit), logFormat)
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

func parseLog(out string) []Revision {
	revisions := make([]Revision, 0)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\x1f", 5)
		if len(fields) != 5 {
			continue
		}
		revisions = append(revisions, Revision{
			Hash:    fields[0],
			Short:   fields[1],
			Author:  fields[2],
			Date:    fields[3],
			Subject: fields[4],
		})
	}
	return revisions
}
