package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ianfoo/tweetwatch"
)

// Variable names carried between scheduled runs.
const (
	EnvLastSeenID = "LAST_TWEET_ID"
	EnvFirstRun   = "FIRST_RUN"
)

// Env reads state from environment variables set by the scheduler and
// hands the updated values back as NAME=value lines, in the format CI
// systems accept on an output file. The scheduler is then responsible for
// writing them to its secret store before the next run.
type Env struct {
	Lookup func(string) (string, bool)
	Out    io.Writer
}

// NewEnv returns an Env store reading the process environment and writing
// to out.
func NewEnv(out io.Writer) *Env {
	return &Env{Lookup: os.LookupEnv, Out: out}
}

// Load reads LAST_TWEET_ID and FIRST_RUN. An unset FIRST_RUN counts as
// true.
func (e *Env) Load(ctx context.Context) (tweetwatch.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var r tweetwatch.Record
	r.LastSeenID, _ = lookup(EnvLastSeenID)
	r.LastSeenID = strings.TrimSpace(r.LastSeenID)

	r.FirstRun = true
	if v, ok := lookup(EnvFirstRun); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s value %q", EnvFirstRun, v)
		}
		r.FirstRun = b
	}
	return tweetwatch.StateFromRecord(r), nil
}

// Save writes the new values.
func (e *Env) Save(ctx context.Context, st tweetwatch.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Out == nil {
		return errors.New("no output configured for environment state")
	}
	r := tweetwatch.RecordFromState(st)
	_, err := fmt.Fprintf(e.Out, "%s=%s\n%s=%t\n", EnvLastSeenID, r.LastSeenID, EnvFirstRun, r.FirstRun)
	return errors.Wrap(err, "error writing state output")
}
