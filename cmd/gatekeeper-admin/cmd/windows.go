package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebridge/gatekeeper/internal/infra/redis"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

var windowsCmd = &cobra.Command{
	Use:     "windows",
	Aliases: []string{"window"},
	Short:   "Inspect persisted rate windows",
}

var windowsShowCmd = &cobra.Command{
	Use:   "show IDENTITY",
	Short: "Show the last persisted rate window of an identity",
	Long: `Show the last persisted rate window of an identity. Windows are written
on the gateway's snapshot schedule, so counts may lag live traffic by up to
one snapshot interval.`,
	Args: cobra.ExactArgs(1),
	RunE: runWindowsShow,
}

func init() {
	windowsShowCmd.Flags().String("api-key", "", "API key the client sends, when IDENTITY is an IP")
	windowsCmd.AddCommand(windowsShowCmd)
}

// windowView is the printable form of a window.
type windowView struct {
	Key        string      `json:"key" yaml:"key"`
	Requests   int         `json:"requests" yaml:"requests"`
	Oldest     *time.Time  `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest     *time.Time  `json:"newest,omitempty" yaml:"newest,omitempty"`
	Limit      int         `json:"tightened_limit,omitempty" yaml:"tightened_limit,omitempty"`
	LimitUntil *time.Time  `json:"tightened_until,omitempty" yaml:"tightened_until,omitempty"`
	Timestamps []time.Time `json:"timestamps" yaml:"timestamps"`
}

func newWindowView(s admission.WindowSnapshot, now time.Time) windowView {
	v := windowView{Key: s.Key, Requests: len(s.Timestamps), Timestamps: s.Timestamps}
	if v.Timestamps == nil {
		v.Timestamps = []time.Time{}
	}
	if n := len(s.Timestamps); n > 0 {
		oldest, newest := s.Timestamps[0], s.Timestamps[n-1]
		v.Oldest, v.Newest = &oldest, &newest
	}
	if s.Tightened(now) {
		until := s.LimitUntil
		v.Limit, v.LimitUntil = s.Limit, &until
	}
	return v
}

func runWindowsShow(cmd *cobra.Command, args []string) error {
	key, _, err := identityArg(cmd, args)
	if err != nil {
		return err
	}
	store, closeFn, err := openWindows()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	snap, err := store.Window(ctx, key)
	if errors.Is(err, redis.ErrKeyNotFound) {
		return fmt.Errorf("no persisted window for %s", key)
	}
	if err != nil {
		return err
	}

	now := time.Now()
	view := newWindowView(snap, now)
	out := cmd.OutOrStdout()
	if ok, err := printStructured(out, flagOutput, view); ok {
		return err
	}

	fmt.Fprintf(out, "Identity:    %s\n", view.Key)
	fmt.Fprintf(out, "Requests:    %d\n", view.Requests)
	if view.Oldest != nil {
		fmt.Fprintf(out, "Oldest:      %s\n", shortTime(*view.Oldest))
		fmt.Fprintf(out, "Newest:      %s\n", shortTime(*view.Newest))
	}
	if view.LimitUntil != nil {
		fmt.Fprintf(out, "Tightened:   limit %d until %s (in %s)\n",
			view.Limit, shortTime(*view.LimitUntil), remaining(*view.LimitUntil, now))
	}
	return nil
}
